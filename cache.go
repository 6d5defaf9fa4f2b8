package main

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Luzifer/imgcache/pkg/decode"
	"github.com/Luzifer/imgcache/pkg/imagecache"
	"github.com/Luzifer/imgcache/pkg/scheduler"
)

func handleData(w http.ResponseWriter, r *http.Request) {
	uri := strings.TrimPrefix(r.RequestURI, "/data/")
	prio, opts := requestOptions(r)

	res, err := waitFor(r.Context(), imgCache.RequestData(uri, prio, nil, opts...))
	if err != nil {
		handleCacheError(w, uri, err)
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(res.Value))
	setCacheHeaders(w, res.FromCache, res.Tier)

	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(res.Value))
}

func handleImage(w http.ResponseWriter, r *http.Request) {
	uri := strings.TrimPrefix(r.RequestURI, "/image/")
	prio, opts := requestOptions(r)

	res, err := waitFor(r.Context(), imgCache.RequestImage(uri, prio, nil, opts...))
	if err != nil {
		handleCacheError(w, uri, err)
		return
	}

	data, contentType, err := decode.Image{}.Encode(res.Value)
	if err != nil {
		log.WithError(err).WithField("url", uri).Error("Unable to encode image")
		http.Error(w, "Unable to encode image", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType)
	setCacheHeaders(w, res.FromCache, res.Tier)

	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
}

func handlePrefetch(w http.ResponseWriter, r *http.Request) {
	uri := strings.TrimPrefix(r.RequestURI, "/prefetch/")

	if !imgCache.Prefetch(r.Context(), uri) {
		http.NotFound(w, r)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func handleRemove(w http.ResponseWriter, r *http.Request) {
	uri := strings.TrimPrefix(r.RequestURI, "/data/")

	if err := imgCache.RemoveEntryErr(r.Context(), uri); err != nil {
		handleCacheError(w, uri, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func handleCacheError(w http.ResponseWriter, uri string, err error) {
	logger := log.WithError(err).WithField("url", uri)

	switch {
	case errors.Is(err, imagecache.ErrInvalidURL):
		http.Error(w, "Unable to parse requested URL", http.StatusBadRequest)

	case errors.Is(err, imagecache.ErrNotFound):
		http.Error(w, "Entry not found", http.StatusNotFound)

	case errors.Is(err, imagecache.ErrBlacklisted), errors.Is(err, imagecache.ErrTransport):
		logger.Debug("Unable to fetch source file")
		http.Error(w, "Unable to fetch source file", http.StatusBadGateway)

	case errors.Is(err, imagecache.ErrDecode):
		http.Error(w, "Source file is no supported image", http.StatusUnprocessableEntity)

	case errors.Is(err, imagecache.ErrCanceled), errors.Is(err, context.Canceled):
		// Client went away, nobody to answer to

	case errors.Is(err, imagecache.ErrClosed):
		http.Error(w, "Shutting down", http.StatusServiceUnavailable)

	default:
		logger.Error("Unable to serve request")
		http.Error(w, "Unable to access cache entry", http.StatusInternalServerError)
	}
}

func requestOptions(r *http.Request) (imagecache.Priority, []imagecache.RequestOption) {
	var opts []imagecache.RequestOption

	if v, err := strconv.ParseBool(r.Header.Get("X-Retry-Failed")); err == nil && v {
		opts = append(opts, imagecache.WithRetryFailed())
	}

	if v, err := strconv.ParseBool(r.Header.Get("X-Refresh")); err == nil && v {
		opts = append(opts, imagecache.WithRefreshCached())
	}

	return scheduler.ParsePriority(r.Header.Get("X-Priority")), opts
}

func setCacheHeaders(w http.ResponseWriter, fromCache bool, tier imagecache.Tier) {
	cacheHeader := "MISS"
	if fromCache {
		cacheHeader = "HIT"
	}

	w.Header().Set("X-Cache", cacheHeader)
	w.Header().Set("X-Cache-Tier", tier.String())
}

// waitFor waits for the final result and withdraws the request when
// the client goes away
func waitFor[T any](ctx context.Context, req *imagecache.Request[T]) (imagecache.Result[T], error) {
	res, err := req.Wait(ctx)
	if ctx.Err() != nil {
		req.Cancel()
	}

	return res, err //nolint:wrapcheck // Sentinel errors are mapped to status codes
}
