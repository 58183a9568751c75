// Пакет scanner — антивирусная проверка загружаемых файлов через clamd.
// Используется протокол INSTREAM: поток отправляется чанками
// <длина uint32 BE><данные>, завершается чанком нулевой длины.
package scanner

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"
)

// chunkSize — размер чанка INSTREAM.
const chunkSize = 64 * 1024

// ErrScanFailed — clamd вернул ошибку или неразборчивый ответ.
var ErrScanFailed = errors.New("ошибка антивирусной проверки")

// Result — вердикт проверки.
type Result struct {
	// Infected — найдена сигнатура
	Infected bool
	// Signature — имя сигнатуры (если Infected)
	Signature string
}

// ClamAV — клиент clamd по TCP.
type ClamAV struct {
	addr    string
	timeout time.Duration
	dialer  net.Dialer
	logger  *slog.Logger
}

// NewClamAV создаёт клиент clamd. timeout ограничивает одну проверку целиком.
func NewClamAV(host string, port int, timeout time.Duration, logger *slog.Logger) *ClamAV {
	return &ClamAV{
		addr:    net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		timeout: timeout,
		logger:  logger.With(slog.String("component", "clamav")),
	}
}

// Scan отправляет содержимое r в clamd и возвращает вердикт.
func (c *ClamAV) Scan(ctx context.Context, r io.Reader) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("подключение к clamd %s: %w", c.addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := io.WriteString(conn, "zINSTREAM\x00"); err != nil {
		return nil, fmt.Errorf("отправка команды INSTREAM: %w", err)
	}

	buf := make([]byte, chunkSize)
	var header [4]byte
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			binary.BigEndian.PutUint32(header[:], uint32(n))
			if _, err := conn.Write(header[:]); err != nil {
				return nil, fmt.Errorf("отправка чанка: %w", err)
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				return nil, fmt.Errorf("отправка чанка: %w", err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("чтение проверяемых данных: %w", readErr)
		}
	}

	binary.BigEndian.PutUint32(header[:], 0)
	if _, err := conn.Write(header[:]); err != nil {
		return nil, fmt.Errorf("завершение потока: %w", err)
	}

	reply, err := bufio.NewReader(conn).ReadString(0)
	if err != nil && !(errors.Is(err, io.EOF) && reply != "") {
		return nil, fmt.Errorf("чтение ответа clamd: %w", err)
	}

	res, err := parseReply(reply)
	if err != nil {
		c.logger.Error("Неожиданный ответ clamd", slog.String("reply", strings.TrimRight(reply, "\x00\n")))
		return nil, err
	}
	if res.Infected {
		c.logger.Warn("Обнаружено вредоносное содержимое", slog.String("signature", res.Signature))
	}
	return res, nil
}

// parseReply разбирает ответ вида "stream: OK" / "stream: <sig> FOUND" / "... ERROR".
func parseReply(reply string) (*Result, error) {
	reply = strings.TrimSpace(strings.TrimRight(reply, "\x00"))
	_, status, ok := strings.Cut(reply, ": ")
	if !ok {
		status = reply
	}

	switch {
	case status == "OK":
		return &Result{}, nil
	case strings.HasSuffix(status, " FOUND"):
		return &Result{Infected: true, Signature: strings.TrimSuffix(status, " FOUND")}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrScanFailed, reply)
	}
}

// Ping проверяет доступность clamd командой PING.
func (c *ClamAV) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("подключение к clamd %s: %w", c.addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := io.WriteString(conn, "zPING\x00"); err != nil {
		return fmt.Errorf("отправка PING: %w", err)
	}
	reply, err := bufio.NewReader(conn).ReadString(0)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("чтение ответа PING: %w", err)
	}
	if strings.TrimRight(reply, "\x00\n") != "PONG" {
		return fmt.Errorf("%w: ответ на PING %q", ErrScanFailed, reply)
	}
	return nil
}

// CheckReady — проверка готовности clamd для /health/ready.
// Недоступный антивирус делает сервис degraded: отдача файлов продолжает работать.
func (c *ClamAV) CheckReady() (status string, message string) {
	if err := c.Ping(context.Background()); err != nil {
		return "degraded", err.Error()
	}
	return "ok", "clamd отвечает"
}
