package tools

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// BrowserTool drives a host-side Chromium via rod. The browser launches
// lazily on first use and one page is reused per session for statefulness
// (login flows, multi-step navigation).
type BrowserTool struct {
	headless bool

	mu      sync.Mutex
	browser *rod.Browser
	pages   map[string]*rod.Page // sessionKey -> page
}

// NewBrowserTool creates the browser tool.
func NewBrowserTool(headless bool) *BrowserTool {
	return &BrowserTool{headless: headless, pages: make(map[string]*rod.Page)}
}

func (t *BrowserTool) Name() string { return "browser" }
func (t *BrowserTool) Description() string {
	return "Control a browser: navigate, read page text, click elements, evaluate JS, screenshot."
}

func (t *BrowserTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"description": "navigate | text | click | eval | screenshot | close",
			},
			"url":      map[string]interface{}{"type": "string", "description": "URL for navigate"},
			"selector": map[string]interface{}{"type": "string", "description": "CSS selector for click"},
			"script":   map[string]interface{}{"type": "string", "description": "JavaScript for eval"},
		},
		"required": []string{"action"},
	}
}

func (t *BrowserTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	action, _ := args["action"].(string)
	sessionKey := ToolSessionKeyFromCtx(ctx)

	if action == "close" {
		t.closeSession(sessionKey)
		return NewResult("Browser session closed.")
	}

	page, err := t.pageFor(sessionKey)
	if err != nil {
		return ErrorResult(fmt.Sprintf("browser unavailable: %v", err))
	}

	switch action {
	case "navigate":
		url, _ := args["url"].(string)
		if url == "" {
			return ErrorResult("url is required for navigate")
		}
		if err := page.Timeout(30 * time.Second).Navigate(url); err != nil {
			return ErrorResult(fmt.Sprintf("navigate failed: %v", err))
		}
		if err := page.Timeout(30 * time.Second).WaitLoad(); err != nil {
			return ErrorResult(fmt.Sprintf("page load failed: %v", err))
		}
		info, _ := page.Info()
		title := ""
		if info != nil {
			title = info.Title
		}
		return NewResult(fmt.Sprintf("Navigated to %s (%s)", url, title))

	case "text":
		body, err := page.Timeout(15 * time.Second).Element("body")
		if err != nil {
			return ErrorResult(fmt.Sprintf("no body element: %v", err))
		}
		text, err := body.Text()
		if err != nil {
			return ErrorResult(fmt.Sprintf("read text failed: %v", err))
		}
		if len(text) > 20_000 {
			text = text[:20_000] + "\n[truncated]"
		}
		return SilentResult(text)

	case "click":
		selector, _ := args["selector"].(string)
		if selector == "" {
			return ErrorResult("selector is required for click")
		}
		el, err := page.Timeout(15 * time.Second).Element(selector)
		if err != nil {
			return ErrorResult(fmt.Sprintf("element not found: %s", selector))
		}
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return ErrorResult(fmt.Sprintf("click failed: %v", err))
		}
		return NewResult("Clicked " + selector)

	case "eval":
		script, _ := args["script"].(string)
		if script == "" {
			return ErrorResult("script is required for eval")
		}
		res, err := page.Timeout(15 * time.Second).Eval(script)
		if err != nil {
			return ErrorResult(fmt.Sprintf("eval failed: %v", err))
		}
		return SilentResult(strings.TrimSpace(res.Value.String()))

	case "screenshot":
		data, err := page.Timeout(30 * time.Second).Screenshot(false, nil)
		if err != nil {
			return ErrorResult(fmt.Sprintf("screenshot failed: %v", err))
		}
		path := fmt.Sprintf("%s/browser-%d.png", tmpDir(), time.Now().UnixMilli())
		if err := writeFile(path, data); err != nil {
			return ErrorResult(fmt.Sprintf("save screenshot failed: %v", err))
		}
		return NewResult("MEDIA:" + path)

	default:
		return ErrorResult(fmt.Sprintf("unknown action %q", action))
	}
}

func (t *BrowserTool) pageFor(sessionKey string) (*rod.Page, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if page, ok := t.pages[sessionKey]; ok {
		return page, nil
	}

	if t.browser == nil {
		l := launcher.New().Headless(t.headless)
		controlURL, err := l.Launch()
		if err != nil {
			return nil, err
		}
		browser := rod.New().ControlURL(controlURL)
		if err := browser.Connect(); err != nil {
			return nil, err
		}
		t.browser = browser
	}

	page, err := t.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, err
	}
	t.pages[sessionKey] = page
	return page, nil
}

func (t *BrowserTool) closeSession(sessionKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if page, ok := t.pages[sessionKey]; ok {
		page.Close()
		delete(t.pages, sessionKey)
	}
}

func tmpDir() string { return os.TempDir() }

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}

// Close shuts the shared browser down.
func (t *BrowserTool) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, page := range t.pages {
		page.Close()
		delete(t.pages, key)
	}
	if t.browser != nil {
		t.browser.Close()
		t.browser = nil
	}
}
