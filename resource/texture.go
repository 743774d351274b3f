package resource

import (
	"context"

	"github.com/catastrophic-engine/gpucore/arena"
	"github.com/catastrophic-engine/gpucore/gpu"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// DefaultBytesPerTexel matches four 8-bit channels
const DefaultBytesPerTexel = 4

type TextureCreateInfo struct {
	Width         int
	Height        int
	Format        core1_0.Format
	BytesPerTexel int
	// Usage gains transfer-dst and sampled
	Usage           core1_0.ImageUsageFlags
	DeferAllocation bool
	Name            string
}

// Texture is a 2D image in device-local memory, uploaded through a staging buffer. Textures cannot be
// mapped.
type Texture struct {
	ctx  Context
	info TextureCreateInfo

	image      gpu.Image
	allocation arena.Allocation
	state      State

	staging      *Buffer
	stagingState StagingState
}

var _ Resource = &Texture{}

func NewTexture(ctx Context, info TextureCreateInfo) (*Texture, error) {
	ctx, err := ctx.validate(true)
	if err != nil {
		return nil, err
	}
	if info.Width <= 0 || info.Height <= 0 {
		return nil, errors.Newf("invalid texture extent %dx%d", info.Width, info.Height)
	}
	if info.BytesPerTexel == 0 {
		info.BytesPerTexel = DefaultBytesPerTexel
	}

	info.Usage |= core1_0.ImageUsageTransferDst | core1_0.ImageUsageSampled
	image, _, err := ctx.Device.CreateImage(gpu.ImageCreateInfo{
		Width:  info.Width,
		Height: info.Height,
		Format: info.Format,
		Usage:  info.Usage,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create texture %q", info.Name)
	}

	t := &Texture{
		ctx:   ctx,
		info:  info,
		image: image,
	}

	t.staging, err = NewBuffer(ctx, BufferCreateInfo{
		Size:            t.ByteSize(),
		Usage:           core1_0.BufferUsageTransferSrc,
		Dynamic:         true,
		DeferAllocation: true,
		Name:            info.Name + " (staging)",
	})
	if err != nil {
		image.Destroy()
		return nil, err
	}

	if !info.DeferAllocation {
		err = t.AllocateMemory()
		if err != nil {
			_ = t.Destroy()
			return nil, err
		}
	}

	return t, nil
}

func (t *Texture) Image() gpu.Image              { return t.image }
func (t *Texture) Width() int                    { return t.info.Width }
func (t *Texture) Height() int                   { return t.info.Height }
func (t *Texture) Format() core1_0.Format        { return t.info.Format }
func (t *Texture) State() State                  { return t.state }
func (t *Texture) StagingState() StagingState    { return t.stagingState }
func (t *Texture) Allocation() *arena.Allocation { return &t.allocation }

// ByteSize is the size of the tightly packed texel data Update expects
func (t *Texture) ByteSize() int {
	return t.info.Width * t.info.Height * t.info.BytesPerTexel
}

func (t *Texture) AllocateMemory() error {
	t.ctx.Logger.Debug("Texture::AllocateMemory", slog.String("name", t.info.Name))

	switch t.state {
	case StateDestroyed:
		return errors.Wrapf(ErrDestroyed, "failed to allocate memory for texture %q", t.info.Name)
	case StateMemoryAllocated:
		return errors.Wrapf(ErrAlreadyAllocated, "failed to allocate memory for texture %q", t.info.Name)
	}

	_, err := t.ctx.Allocator.AllocateMemoryForImage(t.image, arena.AllocationCreateInfo{
		PropertyFlags: core1_0.MemoryPropertyDeviceLocal,
		Name:          t.info.Name,
	}, &t.allocation)
	if err != nil {
		return errors.Wrapf(err, "failed to allocate memory for texture %q", t.info.Name)
	}
	t.state = StateMemoryAllocated

	err = t.staging.AllocateMemory()
	if err != nil {
		return err
	}
	t.stagingState = StagingAllocated

	t.ctx.Logger.LogAttrs(context.Background(), slog.LevelDebug, "texture allocated",
		slog.String("name", t.info.Name),
		slog.Int("width", t.info.Width),
		slog.Int("height", t.info.Height),
		slog.Int("offset", t.allocation.Offset()),
	)
	return nil
}

func (t *Texture) Map() ([]byte, error) {
	if t.state == StateDestroyed {
		return nil, errors.Wrapf(ErrDestroyed, "failed to map texture %q", t.info.Name)
	}
	return nil, errors.Wrapf(ErrNotMappable, "failed to map texture %q", t.info.Name)
}

func (t *Texture) Unmap() error {
	if t.state == StateDestroyed {
		return errors.Wrapf(ErrDestroyed, "failed to unmap texture %q", t.info.Name)
	}
	return errors.Wrapf(ErrNotMappable, "failed to unmap texture %q", t.info.Name)
}

// Update uploads tightly packed texels covering the whole image, returning once the copy has completed on
// the device. The image is left in the shader-read-only layout.
func (t *Texture) Update(data []byte) error {
	t.ctx.Logger.Debug("Texture::Update", slog.String("name", t.info.Name), slog.Int("bytes", len(data)))

	if t.state == StateDestroyed {
		return errors.Wrapf(ErrDestroyed, "failed to update texture %q", t.info.Name)
	}
	if t.state != StateMemoryAllocated {
		return errors.Wrapf(ErrNotAllocated, "failed to update texture %q", t.info.Name)
	}
	if len(data) != t.ByteSize() {
		return errors.Newf("texture %q needs %d bytes of texel data, but %d were provided", t.info.Name, t.ByteSize(), len(data))
	}

	err := writeMapped(t.staging, 0, data)
	if err != nil {
		return err
	}
	t.stagingState = StagingWritten

	return upload(t.ctx.Transfer, func(commandBuffer gpu.CommandBuffer) error {
		return commandBuffer.CopyBufferToImage(t.staging.buffer, t.image)
	}, &t.stagingState)
}

// Destroy destroys the image and then releases its memory, doing the same for the staging buffer
// afterwards
func (t *Texture) Destroy() error {
	t.ctx.Logger.Debug("Texture::Destroy", slog.String("name", t.info.Name))

	if t.state == StateDestroyed {
		return errors.Wrapf(ErrDestroyed, "failed to destroy texture %q", t.info.Name)
	}

	t.image.Destroy()
	if t.state == StateMemoryAllocated {
		t.allocation.Free()
	}
	t.state = StateDestroyed

	err := t.staging.Destroy()
	t.stagingState = StagingNone
	return err
}
