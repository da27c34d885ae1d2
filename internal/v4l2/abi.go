//go:build linux
// +build linux

package v4l2

import (
	"encoding/binary"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Kernel ABI definitions from <linux/videodev2.h> and <linux/v4l2-controls.h>.

// Every platform we ship on is little endian.
var nativeEndian = binary.LittleEndian

const ptrSize = unsafe.Sizeof(uintptr(0))

const (
	V4L2_BUF_TYPE_VIDEO_CAPTURE = 1
	V4L2_MEMORY_MMAP            = 1
	V4L2_FIELD_ANY              = 0

	V4L2_CTRL_CLASS_MPEG = 0x00990000

	V4L2_CID_BASE  = 0x00980900
	V4L2_CID_HFLIP = V4L2_CID_BASE + 20
	V4L2_CID_VFLIP = V4L2_CID_BASE + 21

	V4L2_CID_MPEG_BASE                    = V4L2_CTRL_CLASS_MPEG | 0x900
	V4L2_CID_MPEG_VIDEO_BITRATE           = V4L2_CID_MPEG_BASE + 207
	V4L2_CID_MPEG_VIDEO_REPEAT_SEQ_HEADER = V4L2_CID_MPEG_BASE + 226
)

type v4l2_requestbuffers struct {
	count        uint32
	typ          uint32
	memory       uint32
	capabilities uint32
	flags        uint8
	reserved     [3]uint8
}

type v4l2_timecode struct {
	typ      uint32
	flags    uint32
	frames   uint8
	seconds  uint8
	minutes  uint8
	hours    uint8
	userbits [4]uint8
}

type v4l2_buffer struct {
	index     uint32
	typ       uint32
	bytesused uint32
	flags     uint32
	field     uint32
	timestamp unix.Timeval
	timecode  v4l2_timecode
	sequence  uint32
	memory    uint32

	// Union of offset, userptr, planes and fd. Only offset is used.
	m [ptrSize]byte

	length    uint32
	reserved2 uint32
	reserved  uint32
}

type v4l2_pix_format struct {
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	bytesperline uint32
	sizeimage    uint32
	colorspace   uint32
	priv         uint32
	flags        uint32
	ycbcr_enc    uint32
	quantization uint32
	xfer_func    uint32
}

// Serialize into the raw_data member of the v4l2_format union.
func (pfmt *v4l2_pix_format) marshal() (raw [200]byte) {
	fields := []uint32{
		pfmt.width, pfmt.height, pfmt.pixelformat, pfmt.field,
		pfmt.bytesperline, pfmt.sizeimage, pfmt.colorspace, pfmt.priv,
		pfmt.flags, pfmt.ycbcr_enc, pfmt.quantization, pfmt.xfer_func,
	}
	for i, v := range fields {
		nativeEndian.PutUint32(raw[4*i:], v)
	}
	return
}

type v4l2_format struct {
	typ uint32

	// The union contains pointers, so it is pointer aligned.
	_ [ptrSize - 4]byte

	fmt [200]byte
}

type v4l2_fract struct {
	numerator   uint32
	denominator uint32
}

type v4l2_captureparm struct {
	capability   uint32
	capturemode  uint32
	timeperframe v4l2_fract
	extendedmode uint32
	readbuffers  uint32
	reserved     [4]uint32
}

type v4l2_streamparm struct {
	typ uint32

	// Union of capture/output parameters and raw_data[200].
	parm [200]byte
}

func (cp *v4l2_captureparm) marshal() (raw [200]byte) {
	fields := []uint32{
		cp.capability, cp.capturemode,
		cp.timeperframe.numerator, cp.timeperframe.denominator,
		cp.extendedmode, cp.readbuffers,
	}
	for i, v := range fields {
		nativeEndian.PutUint32(raw[4*i:], v)
	}
	return
}

type v4l2_control struct {
	id    uint32
	value int32
}

// Packed in the kernel headers; every field here is 4-byte aligned so the
// layouts agree.
type v4l2_ext_control struct {
	id        uint32
	size      uint32
	reserved2 uint32
	value     [8]byte
}

type v4l2_ext_controls struct {
	ctrl_class uint32
	count      uint32
	error_idx  uint32
	request_fd int32
	reserved   uint32
	controls   unsafe.Pointer
}

const (
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, nr, size uintptr) uint {
	return uint(dir<<30 | size<<16 | uintptr('V')<<8 | nr)
}

var (
	VIDIOC_S_FMT       = ioc(iocRead|iocWrite, 5, unsafe.Sizeof(v4l2_format{}))
	VIDIOC_REQBUFS     = ioc(iocRead|iocWrite, 8, unsafe.Sizeof(v4l2_requestbuffers{}))
	VIDIOC_QUERYBUF    = ioc(iocRead|iocWrite, 9, unsafe.Sizeof(v4l2_buffer{}))
	VIDIOC_QBUF        = ioc(iocRead|iocWrite, 15, unsafe.Sizeof(v4l2_buffer{}))
	VIDIOC_DQBUF       = ioc(iocRead|iocWrite, 17, unsafe.Sizeof(v4l2_buffer{}))
	VIDIOC_STREAMON    = ioc(iocWrite, 18, unsafe.Sizeof(int32(0)))
	VIDIOC_STREAMOFF   = ioc(iocWrite, 19, unsafe.Sizeof(int32(0)))
	VIDIOC_S_PARM      = ioc(iocRead|iocWrite, 22, unsafe.Sizeof(v4l2_streamparm{}))
	VIDIOC_S_CTRL      = ioc(iocRead|iocWrite, 28, unsafe.Sizeof(v4l2_control{}))
	VIDIOC_S_EXT_CTRLS = ioc(iocRead|iocWrite, 72, unsafe.Sizeof(v4l2_ext_controls{}))
)
