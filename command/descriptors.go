package command

import (
	"context"

	"github.com/catastrophic-engine/gpucore/gpu"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// RegisterDescriptorPoolSize reserves count descriptors of descriptorType in the next descriptor pool the
// pool creates. Registering a type more than once adds to its count.
func (p *Pool) RegisterDescriptorPoolSize(descriptorType core1_0.DescriptorType, count int) error {
	if count <= 0 {
		return errors.Newf("invalid descriptor count %d", count)
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	for index := range p.descriptorPoolSizes {
		if p.descriptorPoolSizes[index].Type == descriptorType {
			p.descriptorPoolSizes[index].DescriptorCount += count
			return nil
		}
	}

	p.descriptorPoolSizes = append(p.descriptorPoolSizes, core1_0.DescriptorPoolSize{
		Type:            descriptorType,
		DescriptorCount: count,
	})
	return nil
}

// CreateDescriptorPool creates a descriptor pool sized by every registered descriptor type. Only one
// descriptor pool may be live at a time.
func (p *Pool) CreateDescriptorPool(maxSets int) error {
	p.logger.Debug("Pool::CreateDescriptorPool")

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.destroyed {
		return ErrPoolDestroyed
	}
	if p.descriptorPool != nil {
		return errors.New("a descriptor pool is already live")
	}
	if len(p.descriptorPoolSizes) == 0 {
		return errors.New("no descriptor pool sizes have been registered")
	}
	if maxSets <= 0 {
		return errors.Newf("invalid descriptor set count %d", maxSets)
	}

	descriptorPool, _, err := p.device.CreateDescriptorPool(maxSets, p.descriptorPoolSizes)
	if err != nil {
		return errors.Wrapf(err, "failed to create a descriptor pool for %d sets", maxSets)
	}

	p.descriptorPool = descriptorPool
	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "descriptor pool created",
		slog.Int("maxSets", maxSets),
		slog.Int("descriptorTypes", len(p.descriptorPoolSizes)),
	)
	return nil
}

// DescriptorPool returns the live descriptor pool, or nil if there is none
func (p *Pool) DescriptorPool() gpu.DescriptorPool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.descriptorPool
}

func (p *Pool) DestroyDescriptorPool() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.descriptorPool == nil {
		return
	}

	p.descriptorPool.Destroy()
	p.descriptorPool = nil
}
