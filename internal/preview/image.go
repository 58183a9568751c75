package preview

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // регистрация декодера GIF
	_ "image/jpeg" // регистрация декодера JPEG
	"image/png"
	"io"
	"math"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // регистрация декодера WebP
)

const (
	// maxImageSize — сколько байт исходного изображения читается.
	maxImageSize = 20 << 20
	// MaxDimension — предельная сторона результата в пикселях.
	MaxDimension = 4096
	// maxSourcePixels — защита от «бомб» с огромным заявленным размером.
	maxSourcePixels = 50_000_000
)

// Ошибки предпросмотра изображений.
var (
	ErrNoDimensions     = errors.New("не задан ни один размер (width или height)")
	ErrInvalidDimension = fmt.Errorf("размер должен быть от 1 до %d", MaxDimension)
	ErrImageTooLarge    = errors.New("изображение слишком большое")
)

// ValidateDimensions проверяет запрошенные размеры. nil — размер не задан.
func ValidateDimensions(width, height *int) error {
	if width == nil && height == nil {
		return ErrNoDimensions
	}
	for _, d := range []*int{width, height} {
		if d != nil && (*d < 1 || *d > MaxDimension) {
			return ErrInvalidDimension
		}
	}
	return nil
}

// TargetSize вычисляет итоговый размер. Если задана одна сторона,
// вторая считается по пропорциям исходника (не меньше 1).
func TargetSize(srcW, srcH int, width, height *int) (int, int) {
	switch {
	case width != nil && height != nil:
		return *width, *height
	case width != nil:
		h := int(math.Round(float64(*width) * float64(srcH) / float64(srcW)))
		return *width, max(h, 1)
	case height != nil:
		w := int(math.Round(float64(*height) * float64(srcW) / float64(srcH)))
		return max(w, 1), *height
	default:
		return srcW, srcH
	}
}

// Image загружает изображение по URL, масштабирует и кодирует в PNG.
func (s *Service) Image(ctx context.Context, rawURL string, width, height *int) ([]byte, error) {
	if _, err := ValidateURL(rawURL); err != nil {
		return nil, err
	}
	if err := ValidateDimensions(width, height); err != nil {
		return nil, err
	}

	resp, err := s.get(ctx, rawURL)
	if err != nil {
		previewFetchesTotal.WithLabelValues("image", "error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageSize+1))
	if err != nil {
		previewFetchesTotal.WithLabelValues("image", "error").Inc()
		return nil, fmt.Errorf("чтение изображения: %w", err)
	}
	if len(data) > maxImageSize {
		previewFetchesTotal.WithLabelValues("image", "too_large").Inc()
		return nil, ErrImageTooLarge
	}

	out, err := Resize(data, width, height)
	if err != nil {
		previewFetchesTotal.WithLabelValues("image", "error").Inc()
		return nil, err
	}
	previewFetchesTotal.WithLabelValues("image", "ok").Inc()
	return out, nil
}

// Resize декодирует изображение (PNG, JPEG, GIF, WebP), масштабирует
// фильтром Catmull-Rom и возвращает PNG.
func Resize(data []byte, width, height *int) ([]byte, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("декодирование изображения: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > maxSourcePixels {
		return nil, ErrImageTooLarge
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("декодирование изображения: %w", err)
	}

	b := src.Bounds()
	w, h := TargetSize(b.Dx(), b.Dy(), width, height)
	if w > MaxDimension || h > MaxDimension {
		return nil, ErrInvalidDimension
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("кодирование PNG: %w", err)
	}
	return buf.Bytes(), nil
}
