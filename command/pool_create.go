package command

import (
	"context"
	"io"

	"github.com/catastrophic-engine/gpucore/gpu"
	"github.com/catastrophic-engine/gpucore/internal/utils"
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific pool behaviors to activate or deactivate
type CreateFlags int32

var poolCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	poolCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return poolCreateFlagsMapping.FlagsToString(f)
}

const (
	// PoolCreateSynchronized guards the pool with an internal mutex so that it can be driven from more
	// than one goroutine. Without it, the pool must only be used from one goroutine at a time.
	PoolCreateSynchronized CreateFlags = 1 << iota
)

func init() {
	PoolCreateSynchronized.Register("PoolCreateSynchronized")
}

// CreateOptions contains the settings used when creating a Pool
type CreateOptions struct {
	// QueueFamilyIndex is the queue family every unit from the pool will be submitted to
	QueueFamilyIndex int
	// Transient marks the pool's units as short-lived, such as one-shot transfer commands
	Transient bool
	Flags     CreateFlags
}

// NewPool creates a Pool and its underlying command pool. The pool cannot submit until SetQueue is called.
func NewPool(logger *slog.Logger, device gpu.Device, options CreateOptions) (*Pool, error) {
	if device == nil {
		return nil, errors.New("device may not be nil")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard))
	}

	flags := core1_0.CommandPoolCreateResetBuffer
	if options.Transient {
		flags |= core1_0.CommandPoolCreateTransient
	}

	commandPool, _, err := device.CreateCommandPool(options.QueueFamilyIndex, flags)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create a command pool for queue family %d", options.QueueFamilyIndex)
	}

	pool := &Pool{
		logger:           logger,
		device:           device,
		commandPool:      commandPool,
		queueFamilyIndex: options.QueueFamilyIndex,
		transient:        options.Transient,
		mutex: utils.OptionalMutex{
			UseMutex: options.Flags&PoolCreateSynchronized != 0,
		},
		units: swiss.NewMap[int, *Unit](8),
	}

	logger.LogAttrs(context.Background(), slog.LevelDebug, "command pool created",
		slog.Int("queueFamilyIndex", options.QueueFamilyIndex),
		slog.Bool("transient", options.Transient),
		slog.String("flags", options.Flags.String()),
	)

	return pool, nil
}
