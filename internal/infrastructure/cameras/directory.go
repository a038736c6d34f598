package cameras

import (
	"context"
	"errors"
	"fmt"

	"vigilnet/internal/core/domain"
	"vigilnet/internal/core/ports"
	"vigilnet/pkg/config"
	"vigilnet/pkg/validation"
)

// Directory serves the static camera inventory from configuration. A
// camera's node may be given by node id or by node name; names are
// resolved against the registered nodes on every lookup so a node that
// re-registers under a new id keeps its cameras.
type Directory struct {
	cameras map[domain.CameraID]domain.CameraTarget
	nodes   ports.NodeRepository
}

var _ ports.CameraDirectory = (*Directory)(nil)

func NewDirectory(entries []config.CameraConfig, nodes ports.NodeRepository) (*Directory, error) {
	d := &Directory{
		cameras: make(map[domain.CameraID]domain.CameraTarget, len(entries)),
		nodes:   nodes,
	}
	for _, e := range entries {
		if err := validation.ValidateIdentifier(e.ID, "camera id"); err != nil {
			return nil, err
		}
		// The parse error would echo the URL and its userinfo.
		if validation.ValidateURL(e.RTSPURL, "rtsp", "rtsps") != nil {
			return nil, fmt.Errorf("camera %s: invalid rtsp url %s", e.ID, domain.SanitizeRTSPURL(e.RTSPURL))
		}
		id := domain.CameraID(e.ID)
		if _, dup := d.cameras[id]; dup {
			return nil, fmt.Errorf("duplicate camera id %s", e.ID)
		}
		d.cameras[id] = domain.CameraTarget{
			CameraID: id,
			NodeID:   domain.NodeID(e.NodeID),
			RTSPURL:  e.RTSPURL,
			Credentials: domain.Credentials{
				Username: e.Username,
				Password: domain.Secret(e.Password),
			},
		}
	}
	return d, nil
}

func (d *Directory) Resolve(ctx context.Context, id domain.CameraID) (*domain.CameraTarget, error) {
	target, ok := d.cameras[id]
	if !ok {
		return nil, domain.ErrCameraNotFound
	}
	if d.nodes == nil {
		return &target, nil
	}

	node, err := d.nodes.GetByID(ctx, target.NodeID)
	if err == nil {
		target.NodeIP = node.IP
		return &target, nil
	}
	if !errors.Is(err, domain.ErrNodeNotFound) {
		return nil, err
	}

	nodes, err := d.nodes.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if n.Name == string(target.NodeID) {
			target.NodeID = n.ID
			target.NodeIP = n.IP
			return &target, nil
		}
	}
	// Leave the binding as configured; dispatch reports the missing node.
	return &target, nil
}

// IDs lists configured camera ids.
func (d *Directory) IDs() []domain.CameraID {
	ids := make([]domain.CameraID, 0, len(d.cameras))
	for id := range d.cameras {
		ids = append(ids, id)
	}
	return ids
}
