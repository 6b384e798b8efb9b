package tamper

import (
	"strconv"
	"strings"

	"github.com/examsentry/server/internal/report"
)

// Violation types emitted by the watcher.
const (
	ViolationExtensionScript = "extension-script"
	ViolationOverlayCode     = "overlay-algorithm"
	ViolationPointerEvents   = "overlay-pointer-events"
	ViolationZIndex          = "overlay-z-index"
	ViolationTestOverlay     = "test-overlay"
	ViolationContentEditable = "contenteditable"
	ViolationIframe          = "iframe"
	ViolationHiddenCode      = "hidden-code"
)

// ProbeMarkerAttr marks synthetic overlays. A value of ProbeMarkerSelf is
// the watcher's own self-test element and is excluded from inspection; any
// other value is a designated test overlay and gets flagged. Marker
// attributes are used instead of class names so a styling change cannot
// silently break the exclusion.
const (
	ProbeMarkerAttr = "data-examsentry-probe"
	ProbeMarkerSelf = "self"
)

var extensionSchemes = []string{
	"chrome-extension://",
	"moz-extension://",
	"safari-web-extension://",
	"ms-browser-extension://",
}

var containerTags = map[string]bool{
	"div": true, "section": true, "article": true, "aside": true,
	"span": true, "iframe": true,
}

var algorithmKeywords = []string{
	"dfs", "bfs", "recursion", "recursive", "backtrack", "memoization",
	"visited", "graph", "dynamic programming", "binary search",
}

var codeIndicators = []string{
	"function", "return", "def ", "class ", "=>", "{", "}",
}

// inspectNode runs every tamper heuristic against a single node, in order,
// non-exclusively. It never returns findings for the watcher's own probe.
func inspectNode(n *Node, url string) []report.Violation {
	if n == nil {
		return nil
	}
	var out []report.Violation
	tag := strings.ToLower(n.Tag)

	if v, ok := checkExtensionScript(n, tag, url); ok {
		out = append(out, v)
	}
	out = append(out, checkOverlay(n, tag, url)...)
	if v, ok := checkContentEditable(n, url); ok {
		out = append(out, v)
	}
	if tag == "iframe" {
		out = append(out, report.Violation{
			Type:     ViolationIframe,
			Details:  "iframe injected into assessment page",
			URL:      url,
			Severity: report.SeverityHigh,
		})
	}
	if v, ok := checkHiddenCode(n, tag, url); ok {
		out = append(out, v)
	}
	return out
}

func checkExtensionScript(n *Node, tag, url string) (report.Violation, bool) {
	if tag != "script" {
		return report.Violation{}, false
	}
	src := n.Attrs["src"]
	for _, scheme := range extensionSchemes {
		if strings.HasPrefix(src, scheme) {
			return report.Violation{
				Type:     ViolationExtensionScript,
				Details:  "extension-injected script: " + src,
				URL:      url,
				Severity: report.SeverityMedium,
			}, true
		}
	}
	return report.Violation{}, false
}

// checkOverlay applies the overlay heuristics: the node must first qualify
// as an overlay candidate (generic container or iframe that is near
// invisible or parked off-screen), then each signature check may fire
// independently.
func checkOverlay(n *Node, tag, url string) []report.Violation {
	if !containerTags[tag] {
		return nil
	}
	op := opacity(n)
	candidate := op < 0.3 ||
		styleValue(n, "visibility") == "hidden" ||
		styleValue(n, "display") == "none" ||
		n.Rect.Width == 0 || n.Rect.Height == 0 ||
		offscreen(n)
	if !candidate {
		return nil
	}

	var out []report.Violation

	if marker := n.Attrs[ProbeMarkerAttr]; marker != "" && marker != ProbeMarkerSelf {
		out = append(out, report.Violation{
			Type:     ViolationTestOverlay,
			Details:  "test overlay detected",
			URL:      url,
			Severity: report.SeverityMedium,
		})
	}

	if op > 0 && op < 0.3 {
		text := strings.ToLower(n.Text)
		if containsAny(text, algorithmKeywords) && containsAny(text, codeIndicators) {
			out = append(out, report.Violation{
				Type:     ViolationOverlayCode,
				Details:  "algorithm solution in semi-transparent overlay",
				URL:      url,
				Severity: report.SeverityHigh,
			})
		}
	}

	if styleValue(n, "pointer-events") == "none" {
		out = append(out, report.Violation{
			Type:     ViolationPointerEvents,
			Details:  "overlay invisible to mouse interaction",
			URL:      url,
			Severity: report.SeverityMedium,
		})
	}

	if z, ok := zIndex(n); ok && z > 9000 {
		out = append(out, report.Violation{
			Type:     ViolationZIndex,
			Details:  "suspicious z-index stacking: " + strconv.Itoa(z),
			URL:      url,
			Severity: report.SeverityMedium,
		})
	}

	return out
}

func checkContentEditable(n *Node, url string) (report.Violation, bool) {
	ce, ok := n.Attrs["contenteditable"]
	if !ok || strings.EqualFold(ce, "false") {
		return report.Violation{}, false
	}
	if n.Rect.Height > 50 && opacity(n) < 0.8 {
		return report.Violation{
			Type:     ViolationContentEditable,
			Details:  "low-opacity contenteditable region acting as a hidden input",
			URL:      url,
			Severity: report.SeverityMedium,
		}, true
	}
	return report.Violation{}, false
}

func checkHiddenCode(n *Node, tag, url string) (report.Violation, bool) {
	if tag != "pre" && tag != "code" {
		return report.Violation{}, false
	}
	op := opacity(n)
	if op <= 0 || op >= 0.3 {
		return report.Violation{}, false
	}
	if containsAny(strings.ToLower(n.Text), algorithmKeywords) {
		return report.Violation{
			Type:     ViolationHiddenCode,
			Details:  "semi-transparent code block with algorithm content",
			URL:      url,
			Severity: report.SeverityHigh,
		}, true
	}
	return report.Violation{}, false
}

// styleValue reads a computed style, tolerating vendor-prefixed keys and
// absent maps.
func styleValue(n *Node, prop string) string {
	if n.Style == nil {
		return ""
	}
	if v, ok := n.Style[prop]; ok {
		return strings.TrimSpace(strings.ToLower(v))
	}
	for _, prefix := range []string{"-webkit-", "-moz-", "-ms-"} {
		if v, ok := n.Style[prefix+prop]; ok {
			return strings.TrimSpace(strings.ToLower(v))
		}
	}
	return ""
}

// opacity defaults to fully opaque when the style is absent or unparseable.
func opacity(n *Node) float64 {
	raw := styleValue(n, "opacity")
	if raw == "" {
		return 1.0
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 || v > 1 {
		return 1.0
	}
	return v
}

func zIndex(n *Node) (int, bool) {
	raw := styleValue(n, "z-index")
	if raw == "" || raw == "auto" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

// offscreen reports whether an absolutely positioned element is parked
// beyond ±1000px of the viewport origin.
func offscreen(n *Node) bool {
	pos := styleValue(n, "position")
	if pos != "absolute" && pos != "fixed" {
		return false
	}
	if n.Rect.X > 1000 || n.Rect.X < -1000 || n.Rect.Y > 1000 || n.Rect.Y < -1000 {
		return true
	}
	for _, prop := range []string{"left", "top"} {
		raw := strings.TrimSuffix(styleValue(n, prop), "px")
		if v, err := strconv.ParseFloat(raw, 64); err == nil && (v > 1000 || v < -1000) {
			return true
		}
	}
	return false
}

func containsAny(text string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(text, needle) {
			return true
		}
	}
	return false
}
