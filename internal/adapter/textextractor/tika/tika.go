// Package tika provides Apache Tika integration for text extraction.
//
// It extracts text content from various document formats including
// PDF, Word, and plain text files. The package handles document
// parsing and provides clean text output for further processing.
package tika

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/cv-match-engine/internal/adapter/observability"
	"github.com/fairyhunter13/cv-match-engine/internal/domain"
	"github.com/fairyhunter13/cv-match-engine/pkg/textx"
)

// MaxDocumentBytes is the hard upload cap.
const MaxDocumentBytes = 10 << 20

// allowedMIME is the parse allowlist. Images are accepted because scanned
// CVs arrive as photos; Tika OCRs them.
var allowedMIME = map[string]bool{
	"application/pdf": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/msword": true,
	"text/plain":         true,
	"image/png":          true,
	"image/jpeg":         true,
	"image/tiff":         true,
}

// Client is a minimal Apache Tika HTTP client implementing domain.TextExtractor.
// It performs PUT /tika with Accept: text/plain to retrieve extracted text.
// See: https://tika.apache.org/server/ for API details.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *observability.CircuitBreaker
}

// New constructs a Tika client with a default timeout.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9998"
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		breaker:    observability.NewCircuitBreaker("tika", 5, 30*time.Second),
	}
}

// Extract sends data to the Tika server and returns cleaned text plus the
// sniffed MIME. The result is deterministic for identical bytes: MIME is
// detected from content, not from the declared filename, and the text pass
// applies the same normalization every time. OCR runs only as a fallback
// when the primary pass yields an empty text layer.
func (c *Client) Extract(ctx domain.Context, fileName string, data []byte) (domain.ParseResult, error) {
	tr := otel.Tracer("textextractor.tika")
	ctx, span := tr.Start(ctx, "tika.Extract")
	defer span.End()
	span.SetAttributes(attribute.Int("doc.bytes", len(data)))

	if len(data) == 0 {
		return domain.ParseResult{}, fmt.Errorf("%w: empty document", domain.ErrCorrupt)
	}
	if int64(len(data)) > MaxDocumentBytes {
		return domain.ParseResult{}, fmt.Errorf("%w: %d bytes", domain.ErrTooLarge, len(data))
	}
	mt := mimetype.Detect(data)
	detected := baseMIME(mt.String())
	if !allowedMIME[detected] {
		return domain.ParseResult{}, fmt.Errorf("%w: %s (%s)", domain.ErrUnsupportedType, detected, fileName)
	}

	start := time.Now()
	raw, err := c.put(ctx, data, detected, false)
	observability.AIRequestsTotal.WithLabelValues("tika", "extract").Inc()
	observability.AIRequestDuration.WithLabelValues("tika", "extract").Observe(time.Since(start).Seconds())
	if err != nil {
		return domain.ParseResult{}, err
	}

	var warnings []string
	text := textx.CleanText(raw)
	if text == "" {
		// empty text layer, try OCR
		raw, err = c.put(ctx, data, detected, true)
		if err != nil {
			return domain.ParseResult{}, err
		}
		text = textx.CleanText(raw)
		warnings = append(warnings, "ocr_fallback")
	}
	if text == "" {
		return domain.ParseResult{}, fmt.Errorf("%w: no extractable text (%s)", domain.ErrCorrupt, fileName)
	}
	return domain.ParseResult{Text: text, MIME: detected, Warnings: warnings}, nil
}

func (c *Client) put(ctx domain.Context, data []byte, contentType string, ocr bool) (string, error) {
	if !c.breaker.Allow() {
		return "", fmt.Errorf("%w: tika circuit open", domain.ErrExtractorUnavailable)
	}
	text, err := c.doPut(ctx, data, contentType, ocr)
	// only availability failures trip the breaker; 415/422 are the
	// document's fault, not the server's
	if errors.Is(err, domain.ErrExtractorUnavailable) {
		c.breaker.Report(err)
	} else {
		c.breaker.Report(nil)
	}
	return text, err
}

func (c *Client) doPut(ctx domain.Context, data []byte, contentType string, ocr bool) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/tika", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("op=tika.request: %w", err)
	}
	req.Header.Set("Accept", "text/plain")
	req.Header.Set("Content-Type", contentType)
	if ocr {
		req.Header.Set("X-Tika-PDFOcrStrategy", "ocr_only")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrExtractorUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnsupportedMediaType:
		return "", fmt.Errorf("%w: tika rejected %s", domain.ErrUnsupportedType, contentType)
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return "", fmt.Errorf("%w: tika status 422", domain.ErrCorrupt)
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("%w: tika status 429", domain.ErrExtractorThrottled)
	default:
		return "", fmt.Errorf("%w: tika status %d", domain.ErrExtractorUnavailable, resp.StatusCode)
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, 4*MaxDocumentBytes))
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrExtractorUnavailable, err)
	}
	return string(b), nil
}

// baseMIME strips parameters like "; charset=utf-8".
func baseMIME(mt string) string {
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return strings.TrimSpace(mt)
}

var _ domain.TextExtractor = (*Client)(nil)
