//go:build linux
// +build linux

package v4l2

import (
	"io"
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// A Device is a V4L2 character device producing encoded frames, typically a
// hardware H.264 encoder such as the Raspberry Pi camera.
type Device struct {
	// Number of requested kernel driver buffers.
	// TODO: Only numBuffers = 1 is supported; queue more buffers to avoid
	// dropped frames at high framerates.
	numBuffers int

	// Device path, usually "/dev/video0".
	path string

	// File descriptor of v4l2 device.
	fd int

	// Memory-mapped buffer.
	mmap []byte

	cfg Config
}

// Open a V4L2 device and apply cfg. Capture starts with Start.
func Open(path string, cfg Config) (*Device, error) {
	cfg.setDefaults()

	fd, err := unix.Open(path, unix.O_RDWR, 0666)
	if err != nil {
		return nil, errors.Wrapf(err, "v4l2: open %s", path)
	}
	dev := &Device{
		numBuffers: 1,
		path:       path,
		fd:         fd,
		cfg:        cfg,
	}

	if err := dev.configure(); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "v4l2: configure %s", path)
	}
	return dev, nil
}

func (dev *Device) configure() error {
	cfg := dev.cfg
	if err := dev.SetPixelFormat(cfg.Width, cfg.Height); err != nil {
		return err
	}
	if cfg.Framerate > 0 {
		if err := dev.SetFramerate(cfg.Framerate); err != nil {
			return err
		}
	}
	if cfg.Bitrate > 0 {
		if err := dev.SetBitrate(cfg.Bitrate); err != nil {
			return err
		}
	}
	if cfg.HFlip {
		if err := dev.setUserControl(V4L2_CID_HFLIP, 1); err != nil {
			return err
		}
	}
	if cfg.VFlip {
		if err := dev.setUserControl(V4L2_CID_VFLIP, 1); err != nil {
			return err
		}
	}
	if cfg.Format == PixelFormatH264 {
		return dev.SetRepeatSequenceHeader(cfg.RepeatSequenceHeader)
	}
	return nil
}

func (dev *Device) Close() error {
	if err := dev.Stop(); err != nil {
		return err
	}

	return unix.Close(dev.fd)
}

func (dev *Device) ioctl(request uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		uintptr(dev.fd),
		uintptr(request),
		uintptr(arg),
	)
	if errno != 0 {
		return errno
	}
	return nil
}

// Query buffer parameters.
func (dev *Device) queryBuffer(n uint32) (length, offset uint32, err error) {
	qb := v4l2_buffer{
		index:  n,
		typ:    V4L2_BUF_TYPE_VIDEO_CAPTURE,
		memory: V4L2_MEMORY_MMAP,
	}
	if err = dev.ioctl(VIDIOC_QUERYBUF, unsafe.Pointer(&qb)); err != nil {
		return
	}

	length = qb.length
	offset = nativeEndian.Uint32(qb.m[0:4])
	return
}

// Request specified number of kernel buffers memory-mapped to user-space.
func (dev *Device) requestBuffers(n int) error {
	rb := v4l2_requestbuffers{
		count:  uint32(n),
		typ:    V4L2_BUF_TYPE_VIDEO_CAPTURE,
		memory: V4L2_MEMORY_MMAP,
	}
	return dev.ioctl(VIDIOC_REQBUFS, unsafe.Pointer(&rb))
}

func (dev *Device) mapMemory() error {
	if dev.mmap != nil {
		return errors.New("v4l2: memory already mapped")
	}

	if err := dev.requestBuffers(dev.numBuffers); err != nil {
		return err
	}

	length, offset, err := dev.queryBuffer(0)
	if err != nil {
		return err
	}

	dev.mmap, err = unix.Mmap(
		dev.fd,
		int64(offset),
		int(length),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	return err
}

func (dev *Device) unmapMemory() error {
	if dev.mmap != nil {
		if err := unix.Munmap(dev.mmap); err != nil {
			return err
		}
		dev.mmap = nil
	}

	return dev.requestBuffers(0)
}

func (dev *Device) enqueue(index int) error {
	qbuf := v4l2_buffer{
		typ:    V4L2_BUF_TYPE_VIDEO_CAPTURE,
		memory: V4L2_MEMORY_MMAP,
		index:  uint32(index),
	}
	return dev.ioctl(VIDIOC_QBUF, unsafe.Pointer(&qbuf))
}

func (dev *Device) dequeue(index int) (int, error) {
	dqbuf := v4l2_buffer{
		typ:    V4L2_BUF_TYPE_VIDEO_CAPTURE,
		memory: V4L2_MEMORY_MMAP,
		index:  uint32(index),
	}
	err := dev.ioctl(VIDIOC_DQBUF, unsafe.Pointer(&dqbuf))
	return int(dqbuf.bytesused), err
}

func (dev *Device) enableStream() error {
	typ := int32(V4L2_BUF_TYPE_VIDEO_CAPTURE)
	return dev.ioctl(VIDIOC_STREAMON, unsafe.Pointer(&typ))
}

func (dev *Device) disableStream() error {
	// Disable stream (dequeues any outstanding buffers as well)
	typ := int32(V4L2_BUF_TYPE_VIDEO_CAPTURE)
	return dev.ioctl(VIDIOC_STREAMOFF, unsafe.Pointer(&typ))
}

func (dev *Device) setUserControl(id uint32, value int32) error {
	ctrl := v4l2_control{id: id, value: value}
	return dev.ioctl(VIDIOC_S_CTRL, unsafe.Pointer(&ctrl))
}

func (dev *Device) setCodecControl(id uint32, value int32) error {
	const numControls = 1

	ctrls := [numControls]v4l2_ext_control{
		{id: id},
	}
	nativeEndian.PutUint32(ctrls[0].value[:], uint32(value))

	extctrls := v4l2_ext_controls{
		ctrl_class: V4L2_CTRL_CLASS_MPEG,
		count:      numControls,
		controls:   unsafe.Pointer(&ctrls),
	}
	return dev.ioctl(VIDIOC_S_EXT_CTRLS, unsafe.Pointer(&extctrls))
}

// SetBitrate sets the encoder target bitrate in bit/s. Takes effect
// immediately, also while streaming.
func (dev *Device) SetBitrate(bps int) error {
	return dev.setCodecControl(V4L2_CID_MPEG_VIDEO_BITRATE, int32(bps))
}

// SetFramerate sets the capture frame interval.
func (dev *Device) SetFramerate(fps int) error {
	cp := v4l2_captureparm{
		timeperframe: v4l2_fract{numerator: 1, denominator: uint32(fps)},
	}
	parm := v4l2_streamparm{
		typ:  V4L2_BUF_TYPE_VIDEO_CAPTURE,
		parm: cp.marshal(),
	}
	return dev.ioctl(VIDIOC_S_PARM, unsafe.Pointer(&parm))
}

// SetPixelFormat changes the capture resolution. Drivers reject this while
// streaming, so callers stop capture first.
func (dev *Device) SetPixelFormat(width, height int) error {
	pfmt := v4l2_pix_format{
		width:       uint32(width),
		height:      uint32(height),
		pixelformat: dev.cfg.Format,
		field:       V4L2_FIELD_ANY,
	}
	f := v4l2_format{
		typ: V4L2_BUF_TYPE_VIDEO_CAPTURE,
		fmt: pfmt.marshal(),
	}
	if err := dev.ioctl(VIDIOC_S_FMT, unsafe.Pointer(&f)); err != nil {
		return err
	}
	dev.cfg.Width, dev.cfg.Height = width, height
	return nil
}

func (dev *Device) SetRepeatSequenceHeader(on bool) error {
	var value int32
	if on {
		value = 1
	}
	return dev.setCodecControl(V4L2_CID_MPEG_VIDEO_REPEAT_SEQ_HEADER, value)
}

// Start video capture.
func (dev *Device) Start() error {
	if err := dev.mapMemory(); err != nil {
		return err
	}

	for i := 0; i < dev.numBuffers; i++ {
		if err := dev.enqueue(i); err != nil {
			return err
		}
	}

	return dev.enableStream()
}

// Stop video capture. Stopping a device that is not capturing is a no-op.
func (dev *Device) Stop() error {
	if dev.mmap == nil {
		return nil
	}

	// Disable stream (dequeues any outstanding buffers as well).
	if err := dev.disableStream(); err != nil {
		return err
	}

	return dev.unmapMemory()
}

// Read a video frame from the device. Blocks until data is available.
func (dev *Device) ReadFrame() (out []byte, err error) {
	if dev.mmap == nil {
		return nil, errors.New("v4l2: capture not started")
	}

	n, err := dev.dequeue(0)
	if err != nil {
		if err == syscall.EINVAL {
			err = io.EOF
		}
		return
	}

	// Copy data to new heap-allocated buffer.
	out = append([]byte(nil), dev.mmap[:n]...)

	err = dev.enqueue(0)
	return
}
