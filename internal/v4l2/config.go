package v4l2

// Config holds the capture settings applied when a device is opened.
type Config struct {
	Format    uint32 // Pixel format (e.g. PixelFormatH264)
	Width     int    // Video width in pixels
	Height    int    // Video height in pixels
	Framerate int    // Frames per second
	Bitrate   int    // Encoder bitrate in bit/s

	HFlip bool // Flip video horizontally
	VFlip bool // Flip video vertically

	// Repeat sequence headers (i.e. sequence/picture parameter sets) for
	// H.264 pixel format. This is useful for resynchronization in cases
	// where the parameter sets are lost, and lets late joiners start decoding
	// at the next IDR.
	RepeatSequenceHeader bool
}

func (cfg *Config) setDefaults() {
	if cfg.Width <= 0 {
		cfg.Width = 1280
	}
	if cfg.Height <= 0 {
		cfg.Height = 720
	}
	if cfg.Format == 0 {
		cfg.Format = PixelFormatH264
	}
}

// PixelFormatH264 is the V4L2 fourcc for H.264 with start codes.
const PixelFormatH264 = uint32('H') | uint32('2')<<8 | uint32('6')<<16 | uint32('4')<<24
