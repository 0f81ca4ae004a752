package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	iiifContext  = "http://iiif.io/api/image/2/context.json"
	iiifProtocol = "http://iiif.io/api/image"
	iiifProfile  = "http://iiif.io/api/image/2/level2.json"

	originalFileName = "original"

	iiifRoutePrefix = "/iiif"
)

var (
	iiifScaleFactors = []int{1, 2, 4, 8, 16}
	iiifFormats      = []string{"jpg", "png", "webp"}
)

type tileHint struct {
	Width        int   `json:"width"`
	ScaleFactors []int `json:"scaleFactors"`
}

type infoDescriptor struct {
	Context  string     `json:"@context"`
	ID       string     `json:"@id"`
	Protocol string     `json:"protocol"`
	Width    int        `json:"width"`
	Height   int        `json:"height"`
	Tiles    []tileHint `json:"tiles"`
	Profile  []string   `json:"profile"`
	Sizes    []sizeHint `json:"sizes,omitempty"`
	Formats  []string   `json:"formats"`
}

func (e *environment) logResponse(c *gin.Context, resType, id, source string) {
	e.log.Debug("response",
		zap.String("type", resType),
		zap.String("id", id),
		zap.String("source", source),
		zap.String("request-id", c.Writer.Header().Get(requestIDHeader)))
}

func (e *environment) respondWithText(c *gin.Context, status int, id, message string) {
	e.logResponse(c, strconv.Itoa(status), id, "inline")
	c.Writer.Header().Set(cacheControlHeader, noStoreCacheControl)
	c.Writer.Header().Set(contentLengthHeader, strconv.Itoa(len(message)))
	c.String(status, message)
}

func (e *environment) respondWithInternalServerErrorText(c *gin.Context, id string) {
	e.respondWithText(c, http.StatusInternalServerError, id, "internal server error")
}

func (e *environment) respondWithNotFoundText(c *gin.Context, id string) {
	e.respondWithText(c, http.StatusNotFound, id, "not found")
}

func (e *environment) respondWithForbiddenText(c *gin.Context, id string) {
	e.respondWithText(c, http.StatusForbidden, id, "forbidden")
}

func (e *environment) respondWithBadRequestText(c *gin.Context, id string) {
	e.respondWithText(c, http.StatusBadRequest, id, "bad request")
}

// respondWithError maps the error taxonomy onto status codes. Causes are
// logged and never sent to the client.
func (e *environment) respondWithError(c *gin.Context, id string, err error) {
	switch {
	case errors.Is(err, errNotFound):
		e.respondWithNotFoundText(c, id)
	case errors.Is(err, errForbidden):
		e.respondWithForbiddenText(c, id)
	case errors.Is(err, errBadRequest):
		e.respondWithBadRequestText(c, id)
	default:
		e.log.Error("failed to serve image",
			zap.String("id", id),
			zap.String("path", c.Request.URL.Path),
			zap.String("request-id", c.Writer.Header().Get(requestIDHeader)),
			zap.Error(err))
		e.respondWithInternalServerErrorText(c, id)
	}
}

func (e *environment) respondWithVariant(c *gin.Context, id string, v *cachedVariant, source string) {
	e.logResponse(c, "variant", id, source)

	var body io.ReadSeeker
	if v.body != nil {
		body = v.body
	} else {
		body = bytes.NewReader(v.data)
	}

	c.Writer.Header().Set(cacheControlHeader, v.cacheControl)
	c.Writer.Header().Set(contentTypeHeader, v.contentType)
	if v.eTag != "" {
		c.Writer.Header().Set(eTagHeader, v.eTag)
	}
	http.ServeContent(c.Writer, c.Request, "", v.lastModified, body)
}

func requestScheme(c *gin.Context) string {
	if proto := c.GetHeader(forwardedProtoHeader); proto != "" {
		return strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}
	if c.Request.TLS != nil {
		return "https"
	}
	return "http"
}

func (e *environment) handleInfo(c *gin.Context, id string) {
	ctx := c.Request.Context()

	rec, err := e.records.getImage(ctx, id)
	if err != nil {
		e.respondWithError(c, id, err)
		return
	}

	d := e.resolver.resolve(ctx, rec)

	e.logResponse(c, "info", id, "record")
	c.Writer.Header().Set(cacheControlHeader, e.infoCacheControl)
	c.JSON(http.StatusOK, &infoDescriptor{
		Context:  iiifContext,
		ID:       fmt.Sprintf("%s://%s%s/%s", requestScheme(c), c.Request.Host, iiifRoutePrefix, url.PathEscape(id)),
		Protocol: iiifProtocol,
		Width:    d.width,
		Height:   d.height,
		Tiles: []tileHint{{
			Width:        rec.tileSize(),
			ScaleFactors: iiifScaleFactors,
		}},
		Profile: []string{iiifProfile},
		Sizes:   rec.Sizes,
		Formats: iiifFormats,
	})
}

func (e *environment) handleDerivative(
	c *gin.Context,
	id string,
	seg pathSegments,
	eventCh chan<- *variantEvent,
) {
	ctx := c.Request.Context()

	rec, err := e.records.getImage(ctx, id)
	if err != nil {
		e.respondWithError(c, id, err)
		return
	}

	if !rec.approved() {
		claims := e.gate.authorize(c.GetHeader(authorizationHeader))
		if !mayView(rec, claims) {
			e.respondWithError(c, id, fmt.Errorf("image %s is not approved: %w", id, errForbidden))
			return
		}
	}

	hit, err := e.variants.lookup(ctx, id, seg)
	if err != nil {
		e.metrics.recordLookup("error")
		e.respondWithError(c, id, err)
		return
	}
	if hit != nil {
		defer func() {
			if err := hit.Close(); err != nil {
				e.log.Error("failed to close variant body", zap.String("key", hit.key), zap.Error(err))
			}
		}()
		e.metrics.recordLookup("hit")
		e.respondWithVariant(c, id, hit, "cache")
		return
	}
	e.metrics.recordLookup("miss")

	v, err := e.generateVariant(ctx, rec, seg, eventCh)
	if err != nil {
		e.respondWithError(c, id, err)
		return
	}

	e.respondWithVariant(c, id, v, "generated")
}

// generateVariant renders on a context detached from the client so that an
// interrupted request still completes and stores its variant.
func (e *environment) generateVariant(
	ctx context.Context,
	rec *imageRecord,
	seg pathSegments,
	eventCh chan<- *variantEvent,
) (*cachedVariant, error) {
	ctx = context.WithoutCancel(ctx)

	if e.flight == nil {
		return e.renderVariant(ctx, rec, seg, eventCh)
	}

	leader := false
	v, err, shared := e.flight.Do(e.variants.key(rec.ID, seg), func() (interface{}, error) {
		leader = true
		return e.renderVariant(ctx, rec, seg, eventCh)
	})
	// Do reports shared to the leader too.
	if shared && !leader {
		e.metrics.coalesced.Inc()
	}
	if err != nil {
		return nil, err
	}
	return v.(*cachedVariant), nil
}

func (e *environment) renderVariant(
	ctx context.Context,
	rec *imageRecord,
	seg pathSegments,
	eventCh chan<- *variantEvent,
) (*cachedVariant, error) {
	if rec.OriginalObjectPath == "" {
		return nil, fmt.Errorf("image %s has no original: %w", rec.ID, errBadRequest)
	}

	scratch, err := os.MkdirTemp(e.scratchDir, "iiif-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch space: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			e.log.Error("failed to remove scratch space", zap.String("path", scratch), zap.Error(err))
		}
	}()

	originalPath, err := e.downloadOriginal(ctx, rec.OriginalObjectPath, scratch)
	if err != nil {
		return nil, err
	}

	origin := e.resolver.resolveFile(ctx, rec, originalPath)
	spec, err := parseTransform(seg, origin)
	if err != nil {
		return nil, fmt.Errorf("image %s: %w", rec.ID, err)
	}
	spec = spec.constrain(e.maxOutputDimension)

	f, err := os.Open(originalPath)
	if err != nil {
		return nil, fmt.Errorf("open original: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			e.log.Error("failed to close original", zap.String("path", originalPath), zap.Error(err))
		}
	}()

	start := time.Now()
	data, contentType, err := e.transform(f, spec)
	e.metrics.recordTransform(spec.format, time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("transform image %s: %w", rec.ID, err)
	}

	v, err := e.variants.commit(ctx, rec.ID, seg, data, contentType)
	if err != nil {
		return nil, err
	}

	e.log.Info("variant generated",
		zap.String("id", rec.ID),
		zap.String("key", v.key),
		zap.String("format", spec.format.String()),
		zap.Int("width", spec.width),
		zap.Int("height", spec.height),
		zap.Bool("fit-inside", spec.fitInside()),
		zap.Duration("elapsed", time.Since(start)))

	e.publishVariant(ctx, eventCh, rec.ID, v)
	return v, nil
}

func (e *environment) downloadOriginal(ctx context.Context, key, dir string) (string, error) {
	data, err := e.objects.get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("original: %w", err)
	}
	defer func() {
		if err := data.Close(); err != nil {
			e.log.Error("failed to close object body", zap.String("key", key), zap.Error(err))
		}
	}()

	path := filepath.Join(dir, originalFileName)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create scratch file: %w", err)
	}

	if _, err := io.Copy(f, data.body); err != nil {
		f.Close()
		return "", fmt.Errorf("download original %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close scratch file: %w", err)
	}

	return path, nil
}

// splitIIIFPath splits the escaped request path below /iiif/ into unescaped
// segments, so an identifier may carry an encoded "/".
func splitIIIFPath(escaped string) ([]string, bool) {
	raw := strings.Trim(strings.TrimPrefix(escaped, iiifRoutePrefix), "/")
	parts := strings.Split(raw, "/")
	for i, p := range parts {
		v, err := url.PathUnescape(p)
		if err != nil {
			return nil, false
		}
		parts[i] = v
	}
	return parts, true
}

func (e *environment) handleRequest(c *gin.Context, eventCh chan<- *variantEvent) {
	parts, ok := splitIIIFPath(c.Request.URL.EscapedPath())
	if !ok {
		e.respondWithNotFoundText(c, "")
		return
	}

	switch {
	case len(parts) == 1 && parts[0] != "":
		c.Redirect(http.StatusSeeOther, iiifRoutePrefix+"/"+url.PathEscape(parts[0])+"/info.json")
	case len(parts) == 2 && parts[1] == "info.json":
		e.handleInfo(c, parts[0])
	case len(parts) == 5:
		e.handleDerivative(c, parts[0], pathSegments{
			region:   parts[1],
			size:     parts[2],
			rotation: parts[3],
			quality:  parts[4],
		}, eventCh)
	default:
		e.respondWithNotFoundText(c, "")
	}
}
