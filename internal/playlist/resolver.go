// Package playlist resolves upstream HLS playlists into segment descriptors
// and generates the local manifests stored alongside downloaded segments.
package playlist

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/grafov/m3u8"
	"github.com/sirupsen/logrus"

	"hls-vault/internal/domain"
	"hls-vault/internal/fetch"
)

// Resolver fetches and parses master/media playlists. It is a pure
// fetch-and-parse component: network errors propagate to the caller, which
// owns retry policy.
type Resolver struct {
	fetch  *fetch.Client
	logger *logrus.Logger
}

func NewResolver(fetchClient *fetch.Client, logger *logrus.Logger) *Resolver {
	if logger == nil {
		logger = logrus.New()
	}
	return &Resolver{fetch: fetchClient, logger: logger}
}

// Resolve returns the ordered segment descriptors for playlistURL. Master
// playlists are narrowed to the variant matching qualityHint (exact
// resolution, then URI substring, then first variant) and the chosen media
// playlist is re-fetched. Segment URLs are resolved against the playlist's
// own URL, so relative, absolute-path and scheme-relative forms all work.
func (r *Resolver) Resolve(ctx context.Context, playlistURL, qualityHint string, headers map[string]string) ([]domain.SegmentDescriptor, error) {
	body, err := r.fetch.Get(ctx, playlistURL, headers)
	if err != nil {
		return nil, err
	}

	base, err := url.Parse(playlistURL)
	if err != nil {
		return nil, &domain.PlaylistError{URL: playlistURL, Reason: fmt.Sprintf("invalid playlist URL: %v", err)}
	}

	pl, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), true)
	if err != nil {
		return nil, &domain.PlaylistError{URL: playlistURL, Reason: fmt.Sprintf("parse: %v", err)}
	}

	switch listType {
	case m3u8.MEDIA:
		return r.segments(base, pl.(*m3u8.MediaPlaylist))
	case m3u8.MASTER:
		master := pl.(*m3u8.MasterPlaylist)
		variant := pickVariant(master.Variants, qualityHint)
		if variant == nil {
			return nil, &domain.VariantNotFoundError{URL: playlistURL, Hint: qualityHint}
		}
		mediaURL := resolveRef(base, variant.URI)
		r.logger.WithFields(logrus.Fields{
			"hint":    qualityHint,
			"variant": mediaURL,
		}).Debug("selected playlist variant")

		mediaBody, err := r.fetch.Get(ctx, mediaURL, headers)
		if err != nil {
			return nil, err
		}
		mediaBase, err := url.Parse(mediaURL)
		if err != nil {
			return nil, &domain.PlaylistError{URL: mediaURL, Reason: fmt.Sprintf("invalid variant URL: %v", err)}
		}
		mediaPl, mediaType, err := m3u8.DecodeFrom(bytes.NewReader(mediaBody), true)
		if err != nil || mediaType != m3u8.MEDIA {
			return nil, &domain.PlaylistError{URL: mediaURL, Reason: "variant did not resolve to a media playlist"}
		}
		return r.segments(mediaBase, mediaPl.(*m3u8.MediaPlaylist))
	default:
		return nil, &domain.PlaylistError{URL: playlistURL, Reason: "unknown playlist type"}
	}
}

func (r *Resolver) segments(base *url.URL, pl *m3u8.MediaPlaylist) ([]domain.SegmentDescriptor, error) {
	var descriptors []domain.SegmentDescriptor
	for _, seg := range pl.Segments {
		if seg == nil || seg.URI == "" {
			continue
		}
		descriptors = append(descriptors, domain.SegmentDescriptor{
			Index:    len(descriptors),
			URL:      resolveRef(base, seg.URI),
			Duration: seg.Duration,
		})
	}
	if len(descriptors) == 0 {
		return nil, &domain.PlaylistError{URL: base.String(), Reason: "no segments found"}
	}
	return descriptors, nil
}

// pickVariant narrows a master playlist to one media variant. Exact
// resolution matches win, then a height match for labels like "720p", then
// a substring match on the variant URI, then the first variant as fallback.
func pickVariant(variants []*m3u8.Variant, hint string) *m3u8.Variant {
	var fallback *m3u8.Variant
	for _, v := range variants {
		if v == nil || v.URI == "" {
			continue
		}
		if fallback == nil {
			fallback = v
		}
		if hint == "" {
			continue
		}
		if v.Resolution == hint {
			return v
		}
		if height := strings.TrimSuffix(hint, "p"); height != hint &&
			strings.HasSuffix(v.Resolution, "x"+height) {
			return v
		}
		if strings.Contains(v.URI, hint) {
			return v
		}
	}
	return fallback
}

func resolveRef(base *url.URL, ref string) string {
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(refURL).String()
}
