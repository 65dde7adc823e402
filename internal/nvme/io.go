package nvme

import "novakern/internal/kconfig"

// ReadBlocks reads n blocks starting at lba from namespace nsid into
// buf, per spec.md §4.M's "Read/write blocks" procedure.
func (c *Controller) ReadBlocks(nsid uint32, lba uint64, n uint16, buf []byte) error {
	return c.readWrite(false, nsid, lba, n, buf)
}

// WriteBlocks writes n blocks of buf starting at lba on namespace nsid.
func (c *Controller) WriteBlocks(nsid uint32, lba uint64, n uint16, buf []byte) error {
	return c.readWrite(true, nsid, lba, n, buf)
}

func (c *Controller) readWrite(write bool, nsid uint32, lba uint64, n uint16, buf []byte) error {
	ns, ok := c.namespaces[nsid]
	if !ok {
		return ErrInvalidNamespace
	}
	if c.io == nil {
		return ErrNoIoQueue
	}

	nbytes := int(n) * int(ns.BlockSize)
	if len(buf) < nbytes {
		return ErrBufferTooSmall
	}
	if nbytes > kconfig.PGSIZE {
		// PRP2 is not implemented: every command is restricted to at
		// most one page, a documented limitation (spec.md §9).
		return ErrBufferTooSmall
	}

	dbuf, err := c.pool.Acquire()
	if err != nil {
		return err
	}
	defer c.pool.Release(dbuf)

	if write {
		copy(c.pool.Bytes(dbuf), buf[:nbytes])
	}

	comps, err := c.submit(c.io, func(cid uint16) command {
		return readWriteCmd(write, cid, nsid, lba, n, uint64(dbuf.Phys))
	})
	if err != nil {
		return err
	}
	if err := checkStatus(comps); err != nil {
		return err
	}

	if !write {
		copy(buf, c.pool.Bytes(dbuf)[:nbytes])
	}
	return nil
}

// submit implements spec.md §4.M's submission protocol: reserve a slot,
// write the command, ring the SQ doorbell, wait for the bound MSI-X
// vector, then drain every completion the device posted since the last
// drain.
func (c *Controller) submit(q *queue, build func(cid uint16) command) ([]completion, error) {
	c.mu.Lock()
	if q.full() {
		c.mu.Unlock()
		return nil, ErrQueueFull
	}
	slot, cid := q.reserve()
	cmd := build(cid)
	c.writeCommand(q, slot, cmd)
	tail := q.sqTail
	vector := q.vector
	c.mu.Unlock()

	c.ringDoorbell(q.qid, false, uint16(tail))
	c.waiter.WaitVector(vector)

	c.mu.Lock()
	comps := c.drain(q)
	c.mu.Unlock()

	if len(comps) == 0 {
		return nil, ErrCommandNotCompleted
	}
	return comps, nil
}
