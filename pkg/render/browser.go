package render

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
	log "github.com/sirupsen/logrus"
)

// Browser renders pages through a managed rod launcher. Used for sites
// that assemble their article lists client-side.
type Browser struct {
	rod     *rod.Browser
	timeout time.Duration
}

var _ Renderer = (*Browser)(nil)

func NewBrowser(serviceURL string, timeout time.Duration) (browser *Browser, err error) {
	l, err := launcher.NewManaged(serviceURL)
	if err != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rod connect error %v", r)
		}
	}()

	r := rod.New().Client(l.MustClient()).Timeout(timeout)
	err = r.Connect()
	if err != nil {
		return
	}

	log.Infof("rod connected to %s", serviceURL)

	return &Browser{rod: r, timeout: timeout}, nil
}

func (b *Browser) Close() {
	b.rod.Close()
}

func (b *Browser) RenderHTML(ctx context.Context, pageURL string) (string, error) {
	page, err := stealth.Page(b.rod)
	if err != nil {
		return "", err
	}

	// Page teardown happens regardless of render outcome, renders that
	// time out must not leak browser contexts
	defer page.Close()

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	page = page.Context(ctx)

	if err := page.Navigate(pageURL); err != nil {
		return "", err
	}

	if err := page.WaitIdle(5 * time.Second); err != nil {
		return "", err
	}

	return page.HTML()
}

func (b *Browser) ExtractLinks(ctx context.Context, pageURL string) ([]string, error) {
	html, err := b.RenderHTML(ctx, pageURL)
	if err != nil {
		return nil, err
	}

	return LinksFromHTML(html, pageURL)
}
