package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strconv"

	"github.com/PABannier/WSIStreamer/wsi"
)

// tilePathPattern matches spec §6's HTTP surface:
// GET /tiles/{slide_id}/{level}/{x}/{y}.jpg?quality=<1..100>
var tilePathPattern = regexp.MustCompile(`^/tiles/([^/]+)/(\d+)/(\d+)/(\d+)\.jpg$`)

// tileServer is the thin net/http binding spec §1 scopes as "out of
// scope" plumbing: no routing framework, no CORS, no auth, just enough to
// satisfy the status-code/JSON-error-body contract in spec §6.
type tileServer struct {
	svc            *wsi.Service
	defaultQuality int
	logger         *log.Logger
}

func (s *tileServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m := tilePathPattern.FindStringSubmatch(r.URL.Path)
	if m == nil {
		writeError(w, wsi.NewError(wsi.KindNotFound, "no route for path", nil))
		return
	}
	slideID := m[1]
	level, _ := strconv.Atoi(m[2])
	x, _ := strconv.Atoi(m[3])
	y, _ := strconv.Atoi(m[4])

	quality := s.defaultQuality
	if qs := r.URL.Query().Get("quality"); qs != "" {
		q, err := strconv.Atoi(qs)
		if err != nil {
			writeError(w, wsi.NewError(wsi.KindInvalidQuality, "quality must be an integer", nil))
			return
		}
		quality = q
	}

	result, err := s.svc.GetTile(r.Context(), slideID, level, x, y, quality)
	if err != nil {
		s.logger.Printf("get_tile %s/%d/%d/%d failed: %v", slideID, level, x, y, err)
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.WriteHeader(http.StatusOK)
	w.Write(result.JPEG)
}

func writeError(w http.ResponseWriter, err error) {
	body := wsi.ToErrorBody(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(body.Status)
	json.NewEncoder(w).Encode(body)
}

// newTileOpener builds the wsi.SlideOpener closure that binds a slide id
// to a bucket key through one shared BlockCache, wiring spec §4.6 step 1's
// object-handle construction to the object store.
func newTileOpener(bucket wsi.Bucket, cache *wsi.BlockCache, keyPrefix string) wsi.SlideOpener {
	return func(ctx context.Context, slideID string) (wsi.Source, error) {
		key := wsi.ObjectKey(keyPrefix, slideID)
		reader := wsi.NewBucketRangeReader(bucket, key)
		return wsi.NewBoundSource(cache, slideID, reader), nil
	}
}

func fmtAddr(port int) string {
	return fmt.Sprintf(":%d", port)
}
