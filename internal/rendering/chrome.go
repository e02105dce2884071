package rendering

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/pitabwire/garage/internal/config"
	"github.com/pitabwire/garage/internal/observability"
)

// ChromeRenderer prints the CRM's print view of a document to PDF with
// headless Chrome, either launched locally or reached over a remote
// debugging URL.
type ChromeRenderer struct {
	template  string
	execPath  string
	remoteURL string
	timeout   time.Duration
	maxBytes  int64
	metrics   *observability.Metrics
}

// NewChromeRenderer creates a renderer from configuration.
func NewChromeRenderer(cfg config.RenderingConfig, metrics *observability.Metrics) *ChromeRenderer {
	timeout := cfg.Backend.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ChromeRenderer{
		template:  cfg.PrintURLTemplate,
		execPath:  cfg.ChromeExecPath,
		remoteURL: cfg.ChromeRemoteURL,
		timeout:   timeout,
		maxBytes:  cfg.MaxBytes,
		metrics:   metrics,
	}
}

// PrintURL expands the print URL template for documentID.
func (r *ChromeRenderer) PrintURL(documentID string) string {
	return strings.ReplaceAll(r.template, "{id}", url.PathEscape(documentID))
}

// FetchRenderableBlob navigates to the print view and prints it to PDF.
func (r *ChromeRenderer) FetchRenderableBlob(ctx context.Context, documentID string) (*Handle, error) {
	ctx, span := observability.StartSpan(ctx, "rendering.chrome.print",
		observability.AttrDocumentID.String(documentID),
	)

	pdf, err := r.print(ctx, r.PrintURL(documentID))
	if err == nil && r.maxBytes > 0 && int64(len(pdf)) > r.maxBytes {
		err = fmt.Errorf("rendering: document %s: rendition of %d bytes exceeds limit", documentID, len(pdf))
	}
	observability.EndSpanWithError(span, err)
	if err != nil {
		return nil, err
	}
	return newTrackedHandle(documentID, "application/pdf", pdf, r.metrics), nil
}

func (r *ChromeRenderer) print(ctx context.Context, target string) ([]byte, error) {
	var allocCtx context.Context
	var cancel context.CancelFunc
	if r.remoteURL != "" {
		allocCtx, cancel = chromedp.NewRemoteAllocator(ctx, r.remoteURL)
	} else {
		opts := chromedp.DefaultExecAllocatorOptions[:]
		if r.execPath != "" {
			opts = append(opts[:len(opts):len(opts)], chromedp.ExecPath(r.execPath))
		}
		allocCtx, cancel = chromedp.NewExecAllocator(ctx, opts...)
	}
	defer cancel()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	runCtx, cancelRun := context.WithTimeout(browserCtx, r.timeout)
	defer cancelRun()

	var pdf []byte
	err := chromedp.Run(runCtx,
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdf, _, err = page.PrintToPDF().WithPrintBackground(true).Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("rendering: print %s: %w", target, err)
	}
	return pdf, nil
}
