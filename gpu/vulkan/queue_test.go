package vulkan

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// countingQueue records how many submissions reach the driver at the same time
type countingQueue struct {
	core1_0.Queue

	active    int32
	maxActive int32
	submits   int32
}

func (q *countingQueue) Submit(fence core1_0.Fence, o []core1_0.SubmitInfo) (common.VkResult, error) {
	active := atomic.AddInt32(&q.active, 1)
	for {
		most := atomic.LoadInt32(&q.maxActive)
		if active <= most || atomic.CompareAndSwapInt32(&q.maxActive, most, active) {
			break
		}
	}

	time.Sleep(time.Millisecond)
	atomic.AddInt32(&q.submits, 1)
	atomic.AddInt32(&q.active, -1)
	return core1_0.VKSuccess, nil
}

type queueDevice struct {
	core1_0.Device

	fetched map[[2]int]int
	queues  map[[2]int]*countingQueue
}

func (d *queueDevice) GetQueue(queueFamilyIndex, queueIndex int) core1_0.Queue {
	key := [2]int{queueFamilyIndex, queueIndex}
	d.fetched[key]++

	queue, ok := d.queues[key]
	if !ok {
		queue = &countingQueue{}
		d.queues[key] = queue
	}
	return queue
}

func newQueueDevice() *queueDevice {
	return &queueDevice{
		fetched: make(map[[2]int]int),
		queues:  make(map[[2]int]*countingQueue),
	}
}

func TestDevice_GetQueueReturnsOneWrapperPerQueue(t *testing.T) {
	driverDevice := newQueueDevice()
	device := &Device{device: driverDevice}

	graphics := device.GetQueue(0, 0)
	require.Same(t, graphics, device.GetQueue(0, 0))
	require.NotSame(t, graphics, device.GetQueue(0, 1))
	require.NotSame(t, graphics, device.GetQueue(1, 0))
	require.Equal(t, 1, device.GetQueue(1, 0).FamilyIndex())

	require.Equal(t, 1, driverDevice.fetched[[2]int{0, 0}])
	require.Equal(t, 1, driverDevice.fetched[[2]int{0, 1}])
	require.Equal(t, 1, driverDevice.fetched[[2]int{1, 0}])
}

func TestQueue_SubmissionsFromSharedPoolsAreSerialized(t *testing.T) {
	driverDevice := newQueueDevice()
	device := &Device{device: driverDevice}

	// Two pools bound to the same family look the queue up independently
	graphicsQueue := device.GetQueue(0, 0)
	transferQueue := device.GetQueue(0, 0)

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		queue := graphicsQueue
		if worker%2 == 1 {
			queue = transferQueue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				res, err := queue.Submit(nil, nil)
				require.NoError(t, err)
				require.Equal(t, core1_0.VKSuccess, res)
			}
		}()
	}
	wg.Wait()

	counted := driverDevice.queues[[2]int{0, 0}]
	require.Equal(t, int32(80), atomic.LoadInt32(&counted.submits))
	require.Equal(t, int32(1), atomic.LoadInt32(&counted.maxActive))
}
