package nvme

import "novakern/internal/mem"

const (
	entrySize      = 64 // bytes per SQ entry
	completionSize = 16 // bytes per CQ entry
)

// queue is one admin or I/O submission/completion queue pair, backed by
// a single physically contiguous DMA block (SQ followed by CQ), per
// spec.md §4.M point 5.
type queue struct {
	sqPhys mem.Pa
	cqPhys mem.Pa
	size   int // entries per queue

	sqHead, sqTail int
	cqHead         int
	cqPhase        bool

	qid    uint16
	vector uint8
}

func (q *queue) sqEntryPhys(i int) mem.Pa { return q.sqPhys + mem.Pa(i*entrySize) }
func (q *queue) cqEntryPhys(i int) mem.Pa { return q.cqPhys + mem.Pa(i*completionSize) }

// full reports whether the queue has no free submission slot, per
// spec.md §8's "sq_tail - sq_head mod size is the number of in-flight
// commands" invariant.
func (q *queue) full() bool {
	return (q.sqTail+1)%q.size == q.sqHead
}

// reserve assigns the next SQ slot, using sq_tail itself as the command
// ID so a completion's CID maps straight back to its slot, per spec.md
// §4.M point 1.
func (q *queue) reserve() (slot int, cid uint16) {
	slot = q.sqTail
	cid = uint16(slot)
	q.sqTail = (q.sqTail + 1) % q.size
	return slot, cid
}

// writeCommand writes cmd into SQ slot.
func (c *Controller) writeCommand(q *queue, slot int, cmd command) {
	*(*command)(c.frames.Dmap(q.sqEntryPhys(slot))) = cmd
}

// drain reads every valid completion entry starting at cq_head,
// advancing cq_head/cq_phase and collecting each entry, per the Open
// Question resolution recorded in DESIGN.md: the driver drains the full
// queue on every wake rather than reading only the head entry, so a
// coalesced interrupt can never strand a completion.
func (c *Controller) drain(q *queue) []completion {
	var out []completion
	for {
		e := (*completion)(c.frames.Dmap(q.cqEntryPhys(q.cqHead)))
		if e.phaseBit() != q.cqPhase {
			break
		}
		out = append(out, *e)
		q.sqHead = int(e.SQHead)
		q.cqHead++
		if q.cqHead == q.size {
			q.cqHead = 0
			q.cqPhase = !q.cqPhase
		}
	}
	if len(out) > 0 {
		c.ringDoorbell(q.qid, true, uint16(q.cqHead))
	}
	return out
}
