package offline0

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

type Class int

const (
	ClassOther Class = iota
	ClassImage
	ClassStyleOrScript
	ClassDocument
	// ClassCrossOrigin requests are never intercepted.
	ClassCrossOrigin
)

func (c Class) String() string {
	switch c {
	case ClassImage:
		return "image"
	case ClassStyleOrScript:
		return "style-or-script"
	case ClassDocument:
		return "document"
	case ClassCrossOrigin:
		return "cross-origin"
	default:
		return "other"
	}
}

var imageExts = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".webp": {}, ".avif": {},
	".svg": {}, ".ico": {}, ".bmp": {},
}

var styleOrScriptExts = map[string]struct{}{
	".js": {}, ".mjs": {}, ".jsx": {}, ".css": {},
}

// Classify maps req to a strategy class. Requests whose scheme or host differ
// from origin are ClassCrossOrigin regardless of their destination.
func Classify(req *Request, origin *url.URL) Class {
	if !sameOrigin(req.URL, origin) {
		return ClassCrossOrigin
	}

	switch req.Destination() {
	case "image":
		return ClassImage
	case "script", "style":
		return ClassStyleOrScript
	case "document":
		return ClassDocument
	case "":
		// no hint; fall through to heuristics
	default:
		return ClassOther
	}

	ext := strings.ToLower(path.Ext(req.URL.Path))
	if _, ok := imageExts[ext]; ok {
		return ClassImage
	}
	if _, ok := styleOrScriptExts[ext]; ok {
		return ClassStyleOrScript
	}
	if req.Method == http.MethodGet && req.Header != nil &&
		strings.Contains(strings.ToLower(req.Header.Get("Accept")), "text/html") {
		return ClassDocument
	}
	return ClassOther
}

func sameOrigin(u, origin *url.URL) bool {
	if u == nil || origin == nil {
		return false
	}
	return strings.EqualFold(u.Scheme, origin.Scheme) && strings.EqualFold(u.Host, origin.Host)
}
