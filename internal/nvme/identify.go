package nvme

import "bytes"

// IdentifyController is the subset of the 4096-byte Identify Controller
// data structure this driver reads: model/serial/firmware strings plus
// the namespace count, laid out at the exact NVMe-spec byte offsets so
// the reserved padding keeps NN at offset 516.
type IdentifyController struct {
	VID   uint16
	SSVID uint16
	SN    [20]byte
	MN    [40]byte
	FR    [8]byte
	_     [512 - 72]byte
	SQES  uint8
	CQES  uint8
	MAXCMD uint16
	NN    uint32
	_     [4096 - 520]byte
}

// Serial, Model, and Firmware trim the ASCII-space padding NVMe
// controllers report these fields with.
func (ic *IdentifyController) Serial() string   { return trimASCII(ic.SN[:]) }
func (ic *IdentifyController) Model() string    { return trimASCII(ic.MN[:]) }
func (ic *IdentifyController) Firmware() string { return trimASCII(ic.FR[:]) }

func trimASCII(b []byte) string {
	return string(bytes.TrimRight(b, " \x00"))
}

// LbaFormat is one entry of a namespace's LBA Format Support table.
type LbaFormat struct {
	MS    uint16
	LBADS uint8
	RP    uint8
}

// IdentifyNamespace is the subset of the 4096-byte Identify Namespace
// data structure this driver reads: size, the formatted-LBA selector,
// and the LBA format table needed to derive the block size.
type IdentifyNamespace struct {
	NSZE   uint64
	NCAP   uint64
	NUSE   uint64
	NSFEAT uint8
	NLBAF  uint8
	FLBAS  uint8
	MC     uint8
	DPC    uint8
	DPS    uint8
	NMIC   uint8
	RESCAP uint8
	FPI    uint8
	DLFEAT uint8
	_      [128 - 34]byte
	LBAF   [16]LbaFormat
	_      [4096 - 192]byte
}

// BlockSize returns 1 << lbads of the namespace's currently formatted
// LBA format, per spec.md §4.M point 8.
func (ns *IdentifyNamespace) BlockSize() uint32 {
	return 1 << ns.LBAF[ns.FLBAS&0xF].LBADS
}

// SizeBlocks is the namespace size in logical blocks.
func (ns *IdentifyNamespace) SizeBlocks() uint64 { return ns.NSZE }
