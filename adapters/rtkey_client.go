package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"rtkey-to-mqtt/application"

	"github.com/go-resty/resty/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

const (
	RTKeyDefaultVCBaseURL            = "https://vc.key.rt.ru"
	RTKeyDefaultHouseholdBaseURL     = "https://household.key.rt.ru"
	RTKeyDefaultImageRefreshInterval = 2 * time.Second
	RTKeyDefaultHTTPTimeout          = 15 * time.Second

	// RTKeyTokenRefreshRemainingTTL is the remaining token validity under which
	// the camera listing is refetched before use.
	RTKeyTokenRefreshRemainingTTL = 300 * time.Second
	RTKeyScreenshotSize           = "large"

	HeaderUserToken = "X-UTOKEN"

	rtkeyCamerasPath      = "/api/v1/cameras?limit=100&offset=0"
	rtkeyIntercomsPath    = "/api/v2/app/devices/intercom"
	rtkeyOpenIntercomPath = "/api/v2/app/devices/%s/open"
	rtkeyStreamURLFormat  = "https://%s/stream/%s/live.mp4?mp4-fragment-length=0.5&mp4-use-speed=0&mp4-afiller=1&token=%s"
)

type Response[T any] struct {
	Data T `json:"data"`
}

type CameraList struct {
	Items []CameraModel `json:"items"`
}

type IntercomList struct {
	Devices []IntercomModel `json:"devices"`
}

type CameraModel struct {
	ID                    FlexibleID `json:"id"`
	Title                 string     `json:"title"`
	ScreenshotURLTemplate string     `json:"screenshot_url_template"`
	ScreenshotToken       string     `json:"screenshot_token"`
	StreamerURL           string     `json:"streamer_url"`
	StreamerToken         string     `json:"streamer_token"`
	UserToken             string     `json:"user_token"`
}

type IntercomModel struct {
	ID            FlexibleID `json:"id"`
	CameraID      FlexibleID `json:"camera_id"`
	NameByCompany string     `json:"name_by_company"`
}

// FlexibleID accepts both JSON strings and numbers.
type FlexibleID string

func (f *FlexibleID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}

	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = FlexibleID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or a number: %w", err)
	}
	*f = FlexibleID(n.String())
	return nil
}

type RTKeyClientParams struct {
	Token                string
	ImageRefreshInterval time.Duration

	VCBaseURL        string
	HouseholdBaseURL string
	HTTPTimeout      time.Duration

	HTTPClient   *resty.Client
	TokenDecoder TokenDecoder
	Metrics      *Metrics
	Now          func() time.Time

	Log zerolog.Logger
}

func (p *RTKeyClientParams) EnsureDefaults() {
	if p.ImageRefreshInterval == 0 {
		p.ImageRefreshInterval = RTKeyDefaultImageRefreshInterval
	}

	if p.VCBaseURL == "" {
		p.VCBaseURL = RTKeyDefaultVCBaseURL
	}

	if p.HouseholdBaseURL == "" {
		p.HouseholdBaseURL = RTKeyDefaultHouseholdBaseURL
	}

	if p.HTTPTimeout == 0 {
		p.HTTPTimeout = RTKeyDefaultHTTPTimeout
	}

	if p.HTTPClient == nil {
		p.HTTPClient = resty.New().SetTimeout(p.HTTPTimeout)
	}

	if p.TokenDecoder == nil {
		p.TokenDecoder = NewJWTTokenDecoder()
	}

	if p.Metrics == nil {
		p.Metrics = NewMetrics(prometheus.NewRegistry())
	}

	if p.Now == nil {
		p.Now = time.Now
	}
}

// cameraImage is the cache slot of one camera. lock guards data, cached and
// generation; evict is guarded by RTKeyClient.imagesMu.
type cameraImage struct {
	lock *semaphore.Weighted

	data       []byte
	cached     bool
	generation uint64

	evict *time.Timer
}

// RTKeyClient caches the listings and snapshots of one RT Key account.
//
// The account lock serializes listing fetches and door opening. Every camera
// gets its own lock for its snapshot slot, so snapshots of different cameras
// are fetched independently while requests for the same camera share one fetch.
type RTKeyClient struct {
	params RTKeyClientParams

	http    *resty.Client
	decoder TokenDecoder
	metrics *Metrics

	lock           *semaphore.Weighted
	cameras        []application.Camera
	camerasValid   bool
	intercoms      []application.Intercom
	intercomsValid bool

	imagesMu sync.Mutex
	images   map[string]*cameraImage
	closed   bool

	log zerolog.Logger
}

func NewRTKeyClient(params RTKeyClientParams) (*RTKeyClient, error) {
	if params.Token == "" {
		return nil, fmt.Errorf("token is required")
	}
	if params.ImageRefreshInterval < 0 {
		return nil, fmt.Errorf("image refresh interval must be positive")
	}

	params.EnsureDefaults()

	return &RTKeyClient{
		params:  params,
		http:    params.HTTPClient,
		decoder: params.TokenDecoder,
		metrics: params.Metrics,
		lock:    semaphore.NewWeighted(1),
		images:  make(map[string]*cameraImage),
		log:     params.Log,
	}, nil
}

func (c *RTKeyClient) Cameras(ctx context.Context) ([]application.Camera, error) {
	cameras, err := c.cameraList(ctx)
	if err != nil {
		return nil, err
	}
	return slices.Clone(cameras), nil
}

func (c *RTKeyClient) Camera(ctx context.Context, cameraID string) (application.Camera, error) {
	cameras, err := c.cameraList(ctx)
	if err != nil {
		return application.Camera{}, err
	}

	for _, camera := range cameras {
		if camera.ID == cameraID {
			return camera, nil
		}
	}
	return application.Camera{}, fmt.Errorf("%w: camera %s", application.ErrNotFound, cameraID)
}

func (c *RTKeyClient) InvalidateCameras(ctx context.Context) error {
	c.metrics.ListingInvalidations.WithLabelValues(InvalidationManual).Inc()
	return c.invalidateCameras(ctx)
}

func (c *RTKeyClient) CameraImage(ctx context.Context, cameraID string) ([]byte, error) {
	camera, err := c.freshCamera(ctx, cameraID, "screenshot", func(camera application.Camera) time.Time {
		return camera.ScreenshotTokenExpiry
	})
	if err != nil {
		return nil, err
	}

	img, err := c.imageSlot(cameraID)
	if err != nil {
		return nil, err
	}

	if err := img.lock.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer img.lock.Release(1)

	if img.cached {
		c.log.Debug().Str("camera_id", cameraID).Msg("using cached image")
		c.metrics.cacheHit(CacheImages)
		return img.data, nil
	}
	c.metrics.cacheMiss(CacheImages)

	c.log.Debug().Str("camera_id", cameraID).Msg("fetching image")
	resp, err := c.do(
		c.http.R().SetContext(ctx).SetHeaderVerbatim(HeaderUserToken, camera.UserToken),
		resty.MethodGet, EndpointScreenshot, screenshotURL(camera, c.params.Now()),
	)
	if err != nil {
		return nil, err
	}

	data := resp.Body()
	c.storeImage(cameraID, img, data)
	return data, nil
}

func (c *RTKeyClient) CameraStreamURL(ctx context.Context, cameraID string) (string, error) {
	camera, err := c.freshCamera(ctx, cameraID, "streamer", func(camera application.Camera) time.Time {
		return camera.StreamerTokenExpiry
	})
	if err != nil {
		return "", err
	}

	u, err := url.Parse(camera.StreamerURL)
	if err != nil {
		return "", fmt.Errorf("%w: camera %s streamer url: %v", application.ErrUpstream, cameraID, err)
	}
	return fmt.Sprintf(rtkeyStreamURLFormat, u.Host, cameraID, camera.StreamerToken), nil
}

func (c *RTKeyClient) Intercoms(ctx context.Context) ([]application.Intercom, error) {
	if err := c.lock.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.lock.Release(1)

	if c.intercomsValid {
		c.log.Debug().Msg("using cached intercoms info")
		c.metrics.cacheHit(CacheIntercoms)
		return slices.Clone(c.intercoms), nil
	}
	c.metrics.cacheMiss(CacheIntercoms)

	var resp Response[IntercomList]
	if err := c.getJSON(ctx, EndpointIntercoms, c.params.HouseholdBaseURL+rtkeyIntercomsPath, &resp); err != nil {
		return nil, err
	}

	c.intercoms = intercomModelsToAppIntercoms(resp.Data.Devices)
	c.intercomsValid = true

	c.log.Info().Int("intercoms", len(c.intercoms)).Msg("intercoms info fetched")
	return slices.Clone(c.intercoms), nil
}

func (c *RTKeyClient) OpenIntercom(ctx context.Context, intercomID string) error {
	if err := c.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.lock.Release(1)

	c.log.Info().Str("intercom_id", intercomID).Msg("opening intercom")
	_, err := c.do(
		c.http.R().SetContext(ctx).SetAuthToken(c.params.Token),
		resty.MethodPost, EndpointOpenIntercom,
		c.params.HouseholdBaseURL+fmt.Sprintf(rtkeyOpenIntercomPath, url.PathEscape(intercomID)),
	)
	return err
}

// ClearCache drops both listings and every cached image.
func (c *RTKeyClient) ClearCache(ctx context.Context) error {
	if err := c.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	c.cameras, c.camerasValid = nil, false
	c.intercoms, c.intercomsValid = nil, false
	c.lock.Release(1)
	c.metrics.ListingInvalidations.WithLabelValues(InvalidationManual).Inc()

	c.imagesMu.Lock()
	images := make(map[string]*cameraImage, len(c.images))
	for id, img := range c.images {
		images[id] = img
	}
	c.imagesMu.Unlock()

	for cameraID, img := range images {
		if err := c.clearImage(ctx, cameraID, img); err != nil {
			return err
		}
	}

	c.log.Info().Msg("cache cleared")
	return nil
}

// Close stops pending image evictions. Cached images are kept as they are.
func (c *RTKeyClient) Close() {
	c.imagesMu.Lock()
	defer c.imagesMu.Unlock()

	c.closed = true
	for _, img := range c.images {
		if img.evict != nil {
			img.evict.Stop()
		}
	}
}

func (c *RTKeyClient) cameraList(ctx context.Context) ([]application.Camera, error) {
	if err := c.lock.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.lock.Release(1)

	if c.camerasValid {
		c.log.Debug().Msg("using cached cameras info")
		c.metrics.cacheHit(CacheCameras)
		return c.cameras, nil
	}
	c.metrics.cacheMiss(CacheCameras)

	var resp Response[CameraList]
	if err := c.getJSON(ctx, EndpointCameras, c.params.VCBaseURL+rtkeyCamerasPath, &resp); err != nil {
		return nil, err
	}

	cameras, err := c.cameraModelsToAppCameras(resp.Data.Items)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", application.ErrUpstream, EndpointCameras, err)
	}

	c.ensureImageSlots(cameras)
	c.cameras = cameras
	c.camerasValid = true

	c.log.Info().Int("cameras", len(cameras)).Msg("cameras info fetched")
	return c.cameras, nil
}

func (c *RTKeyClient) invalidateCameras(ctx context.Context) error {
	if err := c.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.lock.Release(1)

	c.cameras, c.camerasValid = nil, false
	return nil
}

// freshCamera resolves a camera and refetches the listing once when the token
// picked by expiry is about to expire. A token that is still close to expiry
// after the refetch is used as is.
func (c *RTKeyClient) freshCamera(ctx context.Context, cameraID, tokenKind string, expiry func(application.Camera) time.Time) (application.Camera, error) {
	camera, err := c.Camera(ctx, cameraID)
	if err != nil {
		return application.Camera{}, err
	}

	remaining := expiry(camera).Sub(c.params.Now())
	if remaining >= RTKeyTokenRefreshRemainingTTL {
		return camera, nil
	}

	c.log.Info().
		Str("camera_id", cameraID).
		Str("token_kind", tokenKind).
		Dur("remaining", remaining).
		Msg("token near expiry, refreshing cameras info")
	c.metrics.ListingInvalidations.WithLabelValues(InvalidationTokenNearExpiry).Inc()

	if err := c.invalidateCameras(ctx); err != nil {
		return application.Camera{}, err
	}
	return c.Camera(ctx, cameraID)
}

func (c *RTKeyClient) ensureImageSlots(cameras []application.Camera) {
	c.imagesMu.Lock()
	defer c.imagesMu.Unlock()

	for _, camera := range cameras {
		if _, ok := c.images[camera.ID]; !ok {
			c.images[camera.ID] = &cameraImage{lock: semaphore.NewWeighted(1)}
		}
	}
}

func (c *RTKeyClient) imageSlot(cameraID string) (*cameraImage, error) {
	c.imagesMu.Lock()
	defer c.imagesMu.Unlock()

	img, ok := c.images[cameraID]
	if !ok {
		return nil, fmt.Errorf("%w: camera %s", application.ErrNotFound, cameraID)
	}
	return img, nil
}

// storeImage must be called with img.lock held.
func (c *RTKeyClient) storeImage(cameraID string, img *cameraImage, data []byte) {
	img.generation++
	generation := img.generation
	img.data = data
	img.cached = true

	c.imagesMu.Lock()
	defer c.imagesMu.Unlock()

	if img.evict != nil {
		img.evict.Stop()
	}
	if c.closed {
		img.evict = nil
		return
	}
	img.evict = time.AfterFunc(c.params.ImageRefreshInterval, func() {
		c.evictImage(cameraID, img, generation)
	})
}

func (c *RTKeyClient) evictImage(cameraID string, img *cameraImage, generation uint64) {
	_ = img.lock.Acquire(context.Background(), 1)
	defer img.lock.Release(1)

	if !img.cached || img.generation != generation {
		return
	}
	img.data = nil
	img.cached = false

	c.metrics.ImageEvictions.Inc()
	c.log.Debug().Str("camera_id", cameraID).Msg("deleted cached image")
}

func (c *RTKeyClient) clearImage(ctx context.Context, cameraID string, img *cameraImage) error {
	if err := img.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer img.lock.Release(1)

	img.generation++
	img.data = nil
	img.cached = false

	c.imagesMu.Lock()
	if img.evict != nil {
		img.evict.Stop()
		img.evict = nil
	}
	c.imagesMu.Unlock()

	c.log.Debug().Str("camera_id", cameraID).Msg("cleared cached image")
	return nil
}

func (c *RTKeyClient) getJSON(ctx context.Context, endpoint, rawURL string, out any) error {
	resp, err := c.do(c.http.R().SetContext(ctx).SetAuthToken(c.params.Token), resty.MethodGet, endpoint, rawURL)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("%w: %s: %v", application.ErrUpstream, endpoint, err)
	}
	return nil
}

func (c *RTKeyClient) do(req *resty.Request, method, endpoint, rawURL string) (*resty.Response, error) {
	start := time.Now()
	resp, err := req.Execute(method, rawURL)
	c.metrics.UpstreamDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.UpstreamRequests.WithLabelValues(endpoint, "error").Inc()
		c.log.Warn().Err(err).Str("endpoint", endpoint).Msg("request failed")
		return nil, fmt.Errorf("%w: %s: %v", application.ErrUpstream, endpoint, err)
	}

	c.log.Debug().
		Str("endpoint", endpoint).
		Int("status", resp.StatusCode()).
		Int("size", len(resp.Body())).
		Msg("response received")

	if resp.IsError() {
		c.metrics.UpstreamRequests.WithLabelValues(endpoint, "bad_status").Inc()
		c.log.Warn().Str("endpoint", endpoint).Str("status", resp.Status()).Msg("unexpected response status")
		return nil, fmt.Errorf("%w: %s: unexpected status %s", application.ErrUpstream, endpoint, resp.Status())
	}

	c.metrics.UpstreamRequests.WithLabelValues(endpoint, "ok").Inc()
	return resp, nil
}

func (c *RTKeyClient) cameraModelsToAppCameras(models []CameraModel) ([]application.Camera, error) {
	cameras := make([]application.Camera, 0, len(models))
	for _, model := range models {
		screenshotExp, err := c.decoder.ExpiresAt(model.ScreenshotToken)
		if err != nil {
			return nil, fmt.Errorf("camera %s screenshot token: %w", model.ID, err)
		}

		streamerExp, err := c.decoder.ExpiresAt(model.StreamerToken)
		if err != nil {
			return nil, fmt.Errorf("camera %s streamer token: %w", model.ID, err)
		}

		cameras = append(cameras, application.Camera{
			ID:                    string(model.ID),
			Title:                 model.Title,
			ScreenshotURLTemplate: model.ScreenshotURLTemplate,
			ScreenshotToken:       model.ScreenshotToken,
			StreamerURL:           model.StreamerURL,
			StreamerToken:         model.StreamerToken,
			UserToken:             model.UserToken,
			ScreenshotTokenExpiry: screenshotExp,
			StreamerTokenExpiry:   streamerExp,
		})
	}
	return cameras, nil
}

func intercomModelsToAppIntercoms(models []IntercomModel) []application.Intercom {
	intercoms := make([]application.Intercom, 0, len(models))
	for _, model := range models {
		intercoms = append(intercoms, application.Intercom{
			ID:       string(model.ID),
			CameraID: string(model.CameraID),
			Name:     model.NameByCompany,
		})
	}
	return intercoms
}

func screenshotURL(camera application.Camera, now time.Time) string {
	return strings.NewReplacer(
		"{timestamp}", strconv.FormatInt(now.Unix(), 10),
		"{size}", RTKeyScreenshotSize,
		"{cdn_token}", camera.ScreenshotToken,
	).Replace(camera.ScreenshotURLTemplate)
}

var _ application.RTKeyClient = &RTKeyClient{}
