package nvme

import (
	"sync"

	"novakern/internal/dma"
	"novakern/internal/mem"
	"novakern/internal/msix"
	"novakern/internal/pci"
	"novakern/internal/pcivmm"
)

// nvmeClass/Subclass/ProgIf select NVMe controllers out of a PCIe
// enumeration, per spec.md §4.M's "Enumerate" step.
const (
	NvmeClass    = 0x01
	NvmeSubclass = 0x08
	NvmeProgIf   = 0x02
)

const (
	adminQueueSize = 64 // entries, per spec.md §4.M point 5
	ioQueueSize    = 64

	adminQID = 0
	ioQID    = 1

	maxSpinIterations = 5_000_000
)

// Waiter blocks the calling task until the given MSI-X vector's
// interrupt has fired at least once since the call began, i.e. this
// driver's view of the scheduler's yield_on(vector) primitive (spec.md
// §4.F). It is an interface rather than a direct internal/sched
// dependency so this package stays usable without importing the
// scheduler; cmd/kernel supplies the real implementation.
type Waiter interface {
	WaitVector(vector uint8)
}

// Namespace is a discovered NVMe namespace's identify data, per spec.md
// §4.M point 8.
type Namespace struct {
	NSID       uint32
	BlockSize  uint32
	SizeBlocks uint64
}

// Controller is one bound-up NVMe controller: its BAR0 registers, admin
// and I/O queue pairs, MSI-X vectors, and discovered namespaces.
type Controller struct {
	mu sync.Mutex

	frames *mem.Allocator
	dev    *pci.Device
	pool   *dma.Pool
	waiter Waiter

	barPhys mem.Pa

	maxQueueEntries int
	doorbellStride  uint32

	admin *queue
	io    *queue

	msixInfo *msix.Info

	Model, Serial, Firmware string
	namespaces              map[uint32]Namespace
}

// BringUp probes and brings up the NVMe controller at dev, following
// spec.md §4.M's bring-up procedure in order: map BAR0, read CAP, reset
// if currently enabled, allocate MSI-X, allocate and program the admin
// queues, enable the controller, identify the controller and namespace
// 1, then create the I/O queue pair.
func BringUp(frames *mem.Allocator, dev *pci.Device, vmm *pcivmm.Manager, cache msix.BarCache, pool *dma.Pool, vectors *msix.VectorAllocator, waiter Waiter) (*Controller, error) {
	bar := dev.Bars[0]
	mapping, ok := cache[0]
	if !ok {
		var err error
		// 0x1000 (doorbell base) plus room for the admin and I/O queue
		// doorbell pairs.
		mapping, err = vmm.MapMemoryBAR(mem.Pa(bar.Address), 0x1000+4*4, bar.Prefetchable)
		if err != nil {
			return nil, err
		}
		cache[0] = mapping
	}

	c := &Controller{
		frames:     frames,
		dev:        dev,
		pool:       pool,
		waiter:     waiter,
		barPhys:    mem.Pa(bar.Address),
		namespaces: make(map[uint32]Namespace),
	}

	cap := c.reg64(regCAP)
	c.maxQueueEntries = capMaxQueueEntries(cap)
	c.doorbellStride = capDoorbellStride(cap)

	if c.reg32(regCSTS)&cstsRDY != 0 {
		c.setReg32(regCC, c.reg32(regCC)&^ccEN)
		if !c.spinUntil(func() bool { return c.reg32(regCSTS)&cstsRDY == 0 }) {
			return nil, ErrControllerResetTimeout
		}
	}

	info, ok := msix.FromDevice(frames, dev)
	if !ok {
		return nil, ErrControllerNotFound
	}
	if err := info.Setup(frames, dev, vmm, cache); err != nil {
		return nil, err
	}
	vecs, err := info.AllocateVectors(frames, vectors, 2)
	if err != nil {
		return nil, err
	}
	adminVector, ioVector := vecs[0].IRQ, vecs[1].IRQ
	info.SetMasked(frames, 0, false)
	info.SetMasked(frames, 1, false)
	info.Enable(frames, dev)
	c.msixInfo = info

	aqSize := min(adminQueueSize, c.maxQueueEntries)
	admin, err := c.allocateQueue(adminQID, aqSize, adminVector)
	if err != nil {
		return nil, err
	}
	c.admin = admin
	c.setReg32(regAQA, uint32(aqSize-1)<<16|uint32(aqSize-1))
	c.setReg64(regASQ, uint64(admin.sqPhys))
	c.setReg64(regACQ, uint64(admin.cqPhys))

	cc := uint32(ccEN)
	cc |= 6 << ccIOSQESShift
	cc |= 4 << ccIOCQESShift
	c.setReg32(regCC, cc)
	if !c.spinUntil(func() bool { return c.reg32(regCSTS)&cstsRDY != 0 }) {
		return nil, ErrControllerEnableTimeout
	}

	if err := c.identify(); err != nil {
		return nil, err
	}

	io, err := c.allocateQueue(ioQID, min(ioQueueSize, c.maxQueueEntries), ioVector)
	if err != nil {
		return nil, err
	}
	if err := c.createIOQueues(io); err != nil {
		return nil, err
	}
	c.io = io

	return c, nil
}

func (c *Controller) spinUntil(cond func() bool) bool {
	for i := 0; i < maxSpinIterations; i++ {
		if cond() {
			return true
		}
	}
	return false
}

// allocateQueue allocates one physically contiguous DMA block holding
// size SQ entries immediately followed by size CQ entries, per spec.md
// §4.M point 5.
func (c *Controller) allocateQueue(qid uint16, size int, vector uint8) (*queue, error) {
	sqBytes := size * entrySize
	cqBytes := size * completionSize
	frameCount := (sqBytes + cqBytes + 4095) / 4096
	base, err := c.frames.AllocateContiguous(frameCount)
	if err != nil {
		return nil, err
	}
	return &queue{
		sqPhys:  base,
		cqPhys:  base + mem.Pa(sqBytes),
		size:    size,
		cqPhase: true,
		qid:     qid,
		vector:  vector,
	}, nil
}

func (c *Controller) identify() error {
	buf, err := c.pool.Acquire()
	if err != nil {
		return err
	}
	defer c.pool.Release(buf)

	comps, err := c.submit(c.admin, func(cid uint16) command {
		return identifyControllerCmd(cid, uint64(buf.Phys))
	})
	if err != nil {
		return err
	}
	if err := checkStatus(comps); err != nil {
		return err
	}
	ic := (*IdentifyController)(c.frames.Dmap(buf.Phys))
	c.Model, c.Serial, c.Firmware = ic.Model(), ic.Serial(), ic.Firmware()

	clear(c.pool.Bytes(buf))
	comps, err = c.submit(c.admin, func(cid uint16) command {
		return identifyNamespaceCmd(cid, 1, uint64(buf.Phys))
	})
	if err != nil {
		return err
	}
	if err := checkStatus(comps); err != nil {
		return err
	}
	ns := (*IdentifyNamespace)(c.frames.Dmap(buf.Phys))
	c.namespaces[1] = Namespace{NSID: 1, BlockSize: ns.BlockSize(), SizeBlocks: ns.SizeBlocks()}
	return nil
}

func (c *Controller) createIOQueues(io *queue) error {
	comps, err := c.submit(c.admin, func(cid uint16) command {
		return createIOCQCmd(cid, io.qid, io.size, uint64(io.cqPhys), io.vector)
	})
	if err != nil {
		return err
	}
	if err := checkStatus(comps); err != nil {
		return err
	}

	comps, err = c.submit(c.admin, func(cid uint16) command {
		return createIOSQCmd(cid, io.qid, io.qid, io.size, uint64(io.sqPhys))
	})
	if err != nil {
		return err
	}
	return checkStatus(comps)
}

func checkStatus(comps []completion) error {
	for _, cp := range comps {
		if cp.statusCode() != 0 {
			return CommandFailed{StatusCode: cp.statusCode()}
		}
	}
	return nil
}

// Namespace returns the discovered namespace nsid, or false if it was
// never identified.
func (c *Controller) Namespace(nsid uint32) (Namespace, bool) {
	ns, ok := c.namespaces[nsid]
	return ns, ok
}
