package nvme

import (
	"bytes"
	"encoding/binary"
)

// identifyController is the subset of the NVMe 1.4 IDENTIFY CONTROLLER data
// structure this model reports. Field names follow the NVMe spec's own
// abbreviations, the same convention used by the ioctl structs in
// other_examples' dswarbrick/smart nvme.go (Vid, Ssvid, Sn, Mn, ...).
type identifyController struct {
	Vid    uint16
	Ssvid  uint16
	Sn     [20]byte
	Mn     [40]byte
	Fr     [8]byte
	Rab    uint8
	IEEE   [3]byte
	Cmic   uint8
	Mdts   uint8
	Cntlid uint16
	Ver    uint32
	_      [172]byte // reserved up through offset 255
	Oacs   uint16
	Acl    uint8
	Aerl   uint8
	Frmw   uint8
	Lpa    uint8
	Elpe   uint8
	Npss   uint8
	_      [10]byte
	Sqes   uint8
	Cqes   uint8
	_      [2]byte
	Nn     uint32
	Oncs   uint16
	Fuses  uint16
	Fna    uint8
	Vwc    uint8
	_      [2]byte
	Sgls   uint32
}

const (
	oncsDataSetManagement = 1 << 2
	oncsWriteZeroes       = 1 << 3
	sglsSupported         = 1 << 0
	sglsDataBlockAligned  = 1 << 20 // bit 20: SGL Data Block descriptor, no alignment required
)

func buildIdentifyController(totalSectors uint64, sectorSize uint32) []byte {
	ic := identifyController{
		Vid:    0x1b36,
		Ssvid:  0x1b36,
		Rab:    0,
		Cmic:   0,
		Mdts:   10, // 2^10 * 4 KiB = 4 MiB
		Cntlid: 0,
		Ver:    0x0001_0400, // NVMe 1.4.0
		Oacs:   0,
		Acl:    3,
		Aerl:   3,
		Frmw:   1,
		Lpa:    0,
		Elpe:   0,
		Npss:   0,
		Sqes:   0x66, // 2^6 min/max
		Cqes:   0x44, // 2^4 min/max
		Nn:     1,
		Oncs:   oncsDataSetManagement | oncsWriteZeroes,
		Fuses:  0,
		Fna:    0,
		Vwc:    1,
		Sgls:   sglsSupported | (1 << 1) | (1 << 2) | sglsDataBlockAligned,
	}

	copy(ic.Sn[:], padRight("AERO000000000000001", 20))
	copy(ic.Mn[:], padRight("Aero NVMe Controller", 40))
	copy(ic.Fr[:], padRight("1.0", 8))

	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, ic)

	out := make([]byte, PageSize)
	copy(out, buf.Bytes())

	return out
}

func padRight(s string, n int) []byte {
	b := make([]byte, n)
	copy(b, s)

	for i := len(s); i < n; i++ {
		b[i] = ' '
	}

	return b
}

// buildIdentifyNamespace renders IDENTIFY NAMESPACE for the single
// always-present namespace (NSID 1): NSZE=NCAP=NUSE=total sectors, thin
// provisioning advertised, and a single LBA format (LBAF0) at its real
// spec offset (128) with LBADS = log2(sector size).
const nsFeatThinProvisioning = 1 << 0

func buildIdentifyNamespace(totalSectors uint64, sectorSize uint32) []byte {
	lbads := uint8(0)
	for s := sectorSize; s > 1; s >>= 1 {
		lbads++
	}

	out := make([]byte, PageSize)

	binary.LittleEndian.PutUint64(out[0:8], totalSectors)  // NSZE
	binary.LittleEndian.PutUint64(out[8:16], totalSectors)  // NCAP
	binary.LittleEndian.PutUint64(out[16:24], totalSectors) // NUSE
	out[24] = nsFeatThinProvisioning                        // NSFEAT
	out[25] = 0                                              // NLBAF (0-based: 1 format)
	out[26] = 0                                              // FLBAS: format 0 selected

	// LBAF0 descriptor lives at byte offset 128 in the real spec; this
	// model places it there directly since only format 0 is ever reported.
	binary.LittleEndian.PutUint16(out[128:130], 0) // MS (metadata size)
	out[130] = lbads                                // LBADS = log2(sector size)
	out[131] = 0                                    // RP (relative performance)

	return out
}
