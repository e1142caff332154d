package application

import (
	"context"
	"time"
)

type Camera struct {
	ID                    string
	Title                 string
	ScreenshotURLTemplate string
	ScreenshotToken       string
	StreamerURL           string
	StreamerToken         string
	UserToken             string

	ScreenshotTokenExpiry time.Time
	StreamerTokenExpiry   time.Time
}

type Intercom struct {
	ID       string
	CameraID string
	Name     string
}

// RTKeyClient is the cached view of one RT Key account.
//
// Lookups of unknown ids return ErrNotFound, vendor failures return errors wrapping ErrUpstream.
type RTKeyClient interface {
	Cameras(ctx context.Context) ([]Camera, error)
	Camera(ctx context.Context, cameraID string) (Camera, error)
	CameraImage(ctx context.Context, cameraID string) ([]byte, error)
	CameraStreamURL(ctx context.Context, cameraID string) (string, error)
	InvalidateCameras(ctx context.Context) error

	Intercoms(ctx context.Context) ([]Intercom, error)
	OpenIntercom(ctx context.Context, intercomID string) error

	ClearCache(ctx context.Context) error
}
