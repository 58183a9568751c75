// Пакет preview — предпросмотр внешних ссылок для клиентов чата:
// метаданные страницы (Open Graph / Twitter Cards) и уменьшенные изображения.
package preview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
)

// maxPageSize — сколько байт HTML читается со страницы.
const maxPageSize = 5 << 20

// ErrInvalidURL — URL не http(s) или не разбирается.
var ErrInvalidURL = errors.New("допустимы только абсолютные http(s) URL")

var (
	previewCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cdn_preview_cache_hits_total",
		Help: "Попадания в кэш предпросмотра ссылок.",
	})
	previewFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdn_preview_fetches_total",
		Help: "Загрузки внешних страниц и изображений для предпросмотра (по результату).",
	}, []string{"kind", "status"})
)

// LinkPreview — метаданные страницы.
type LinkPreview struct {
	URL         string  `json:"url"`
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Image       *string `json:"image"`
	SiteName    *string `json:"site_name"`
}

// Options — параметры сервиса предпросмотра.
type Options struct {
	Timeout   time.Duration
	UserAgent string
	CacheSize int
	CacheTTL  time.Duration
}

// Service загружает внешние страницы и изображения.
// Результаты предпросмотра ссылок кэшируются в LRU с TTL.
type Service struct {
	client    *http.Client
	userAgent string
	cache     *expirable.LRU[string, *LinkPreview]
	logger    *slog.Logger
}

// NewService создаёт сервис предпросмотра.
func NewService(opts Options, logger *slog.Logger) *Service {
	size := opts.CacheSize
	if size <= 0 {
		size = 1
	}
	return &Service{
		client:    &http.Client{Timeout: opts.Timeout},
		userAgent: opts.UserAgent,
		cache:     expirable.NewLRU[string, *LinkPreview](size, nil, opts.CacheTTL),
		logger:    logger.With(slog.String("component", "preview")),
	}
}

// ValidateURL проверяет, что raw — абсолютный http(s) URL.
func ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrInvalidURL
	}
	return u, nil
}

// Link возвращает метаданные страницы по URL.
func (s *Service) Link(ctx context.Context, rawURL string) (*LinkPreview, error) {
	base, err := ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}
	if cached, ok := s.cache.Get(rawURL); ok {
		previewCacheHits.Inc()
		return cached, nil
	}

	resp, err := s.get(ctx, rawURL)
	if err != nil {
		previewFetchesTotal.WithLabelValues("link", "error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	body, err := charset.NewReader(io.LimitReader(resp.Body, maxPageSize), resp.Header.Get("Content-Type"))
	if err != nil {
		previewFetchesTotal.WithLabelValues("link", "error").Inc()
		return nil, fmt.Errorf("определение кодировки страницы: %w", err)
	}
	doc, err := html.Parse(body)
	if err != nil {
		previewFetchesTotal.WithLabelValues("link", "error").Inc()
		return nil, fmt.Errorf("разбор HTML: %w", err)
	}

	p := extract(doc, base)
	p.URL = rawURL
	s.cache.Add(rawURL, p)
	previewFetchesTotal.WithLabelValues("link", "ok").Inc()

	s.logger.Debug("Предпросмотр ссылки получен", slog.String("url", rawURL))
	return p, nil
}

// get выполняет GET с User-Agent сервиса. Не-2xx ответ — ошибка.
func (s *Service) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("создание запроса: %w", err)
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("загрузка %s: %w", rawURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("загрузка %s: статус %d", rawURL, resp.StatusCode)
	}
	return resp, nil
}

// extract собирает метаданные из разобранного документа.
func extract(doc *html.Node, base *url.URL) *LinkPreview {
	var metas []*html.Node
	var title *html.Node
	walk(doc, func(n *html.Node) {
		if n.Type != html.ElementNode {
			return
		}
		switch n.Data {
		case "meta":
			metas = append(metas, n)
		case "title":
			if title == nil {
				title = n
			}
		}
	})

	p := &LinkPreview{}
	p.Title = metaContent(metas, "og:title", "twitter:title")
	if p.Title == nil && title != nil {
		p.Title = nonEmpty(textContent(title))
	}
	p.Description = metaContent(metas, "og:description", "twitter:description", "description")
	if img := metaContent(metas, "og:image", "twitter:image"); img != nil {
		resolved := resolve(base, *img)
		p.Image = &resolved
	}
	p.SiteName = metaContent(metas, "og:site_name", "twitter:site")
	return p
}

// metaContent ищет по очереди каждое имя: сначала первый meta[property=name],
// затем первый meta[name=name]. Пустой content не засчитывается.
func metaContent(metas []*html.Node, names ...string) *string {
	for _, name := range names {
		for _, key := range []string{"property", "name"} {
			for _, m := range metas {
				if attr(m, key) != name {
					continue
				}
				if v := nonEmpty(attr(m, "content")); v != nil {
					return v
				}
				break
			}
		}
	}
	return nil
}

func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	walk(n, func(c *html.Node) {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
	})
	return sb.String()
}

func nonEmpty(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// resolve разрешает относительный URL изображения относительно страницы.
func resolve(base *url.URL, ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}
