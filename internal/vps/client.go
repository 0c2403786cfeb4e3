// Package vps is the client for the visual positioning service: it turns
// captured frames into single- or multi-frame multipart requests and decodes
// the service's pose estimate.
package vps

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/vpsclient/internal/capture"
	"github.com/banshee-data/vpsclient/internal/geo"
	"github.com/banshee-data/vpsclient/internal/httputil"
	"github.com/banshee-data/vpsclient/internal/monitoring"
	"github.com/banshee-data/vpsclient/internal/pose"
)

// Endpoint paths relative to the API base URL.
const (
	SingleFramePath = "/api/v1/localize"
	MultiFramePath  = "/api/v1/localize/multiframe"
)

// TokenEnvVar is the environment variable EnvToken reads by default.
const TokenEnvVar = "VPS_TOKEN"

const maxResponseBytes = 1 << 20

var (
	// ErrMissingAuthToken means no bearer token was available.
	ErrMissingAuthToken = errors.New("missing auth token")
	// ErrNetwork covers transport failures, non-2xx replies and undecodable
	// bodies.
	ErrNetwork = errors.New("vps request failed")
	// ErrPoseNotFound means the service answered but could not place the
	// frames in the map.
	ErrPoseNotFound = errors.New("pose not found")
)

var logger = monitoring.NewLogger("vps")

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token.
type StaticToken string

// Token returns the token, or ErrMissingAuthToken if it is empty.
func (t StaticToken) Token(context.Context) (string, error) {
	if strings.TrimSpace(string(t)) == "" {
		return "", ErrMissingAuthToken
	}
	return string(t), nil
}

// EnvToken reads the token from an environment variable on every request,
// so a token rotated into the environment is picked up.
type EnvToken string

// Token returns the variable's value, or ErrMissingAuthToken if unset.
func (e EnvToken) Token(ctx context.Context) (string, error) {
	name := string(e)
	if name == "" {
		name = TokenEnvVar
	}
	return StaticToken(os.Getenv(name)).Token(ctx)
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	MapCode    string
	MapSetCode string
}

// Request is one localization call.
type Request struct {
	Frames []capture.EncodedFrame
	// GeoHint, when set, is sent as "lat,lon,alt".
	GeoHint *geo.Fix
	// ConvertToGeo asks the service to include geo coordinates.
	ConvertToGeo bool
}

// Client talks to the visual positioning service.
type Client struct {
	http   httputil.HTTPClient
	tokens TokenSource
	opts   Options
}

// NewClient creates a Client. A nil httpClient uses a standard client with a
// 30s timeout.
func NewClient(opts Options, httpClient httputil.HTTPClient, tokens TokenSource) *Client {
	if httpClient == nil {
		httpClient = httputil.NewStandardClient(nil, 30*time.Second)
	}
	if tokens == nil {
		tokens = EnvToken(TokenEnvVar)
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Client{http: httpClient, tokens: tokens, opts: opts}
}

// Localize sends the frames and returns the decoded estimate. One frame
// goes to the single-frame endpoint; more go to the multi-frame endpoint.
func (c *Client) Localize(ctx context.Context, req Request) (*Estimate, error) {
	if len(req.Frames) == 0 {
		return nil, fmt.Errorf("%w: no frames", capture.ErrCapture)
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		if errors.Is(err, ErrMissingAuthToken) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrMissingAuthToken, err)
	}

	multi := len(req.Frames) > 1
	path := SingleFramePath
	if multi {
		path = MultiFramePath
	}

	body, contentType, err := c.buildBody(req, multi)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrNetwork, err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrNetwork, err)
	}
	logger.Printf("POST %s: %d (%d frames, %d bytes, %v)", path, resp.StatusCode, len(req.Frames), len(body), time.Since(start).Round(time.Millisecond))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrNetwork, resp.StatusCode, truncate(string(raw), 200))
	}

	var decoded Response
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrNetwork, err)
	}
	return toEstimate(decoded, req.Frames)
}

func (c *Client) buildBody(req Request, multi bool) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	first := req.Frames[0]
	fields := [][2]string{
		{"isRightHanded", "true"},
		{"fx", formatFloat(first.Intrinsics.FX)},
		{"fy", formatFloat(first.Intrinsics.FY)},
		{"px", formatFloat(first.Intrinsics.PX)},
		{"py", formatFloat(first.Intrinsics.PY)},
		{"width", strconv.Itoa(first.Width)},
		{"height", strconv.Itoa(first.Height)},
	}
	if c.opts.MapSetCode != "" {
		fields = append(fields, [2]string{"mapSetCode", c.opts.MapSetCode})
	} else {
		fields = append(fields, [2]string{"mapCode", c.opts.MapCode})
	}
	if req.GeoHint != nil {
		fields = append(fields, [2]string{"geoHint", req.GeoHint.HintString()})
	}
	if req.ConvertToGeo {
		fields = append(fields, [2]string{"convertToGeoCoordinates", "true"})
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("%w: write field %s: %v", ErrNetwork, f[0], err)
		}
	}

	if !multi {
		if err := writeImage(w, "image", "frame.jpg", first.JPEG); err != nil {
			return nil, "", err
		}
	} else {
		meta := make([]FrameMetadata, len(req.Frames))
		for i, f := range req.Frames {
			if err := writeImage(w, "images", fmt.Sprintf("frame_%d.jpg", i), f.JPEG); err != nil {
				return nil, "", err
			}
			meta[i] = metadataFor(f.Pose)
		}
		b, err := json.Marshal(meta)
		if err != nil {
			return nil, "", fmt.Errorf("%w: encode frame metadata: %v", ErrNetwork, err)
		}
		if err := w.WriteField("mdata", string(b)); err != nil {
			return nil, "", fmt.Errorf("%w: write mdata: %v", ErrNetwork, err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("%w: close multipart body: %v", ErrNetwork, err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func writeImage(w *multipart.Writer, field, filename string, jpeg []byte) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, filename))
	h.Set("Content-Type", "image/jpeg")
	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("%w: create %s part: %v", ErrNetwork, field, err)
	}
	if _, err := part.Write(jpeg); err != nil {
		return fmt.Errorf("%w: write %s part: %v", ErrNetwork, field, err)
	}
	return nil
}

func toEstimate(r Response, frames []capture.EncodedFrame) (*Estimate, error) {
	if !r.PoseFound {
		return nil, ErrPoseNotFound
	}
	if r.Position == nil || r.Rotation == nil {
		return nil, fmt.Errorf("%w: pose found without position or rotation", ErrNetwork)
	}

	x, y, z := r.Position.orZero()
	qx, qy, qz, qw := r.Rotation.orIdentity()
	est := &Estimate{
		Estimated:  pose.New(x, y, z, qx, qy, qz, qw),
		Confidence: r.Confidence,
		MapCodes:   r.MapCodes,
	}

	switch {
	case len(frames) == 1:
		est.Tracker = frames[0].Pose
	case r.TrackingPose != nil:
		est.Tracker = r.TrackingPose.pose()
	default:
		logger.Printf("multi-frame response without trackingPose, anchoring on last frame")
		est.Tracker = frames[len(frames)-1].Pose
	}

	if r.GeoPose != nil {
		est.Geo = &geo.Fix{Latitude: r.GeoPose.Latitude, Longitude: r.GeoPose.Longitude, Altitude: r.GeoPose.Altitude}
	}
	return est, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
