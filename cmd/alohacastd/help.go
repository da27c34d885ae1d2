package main

import (
	"fmt"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"
)

var (
	flagSource       string
	flagWidth        int
	flagHeight       int
	flagFramerate    int
	flagBitrate      int
	flagAudioBitrate int
	flagControl      string
	flagEnvFile      string
	flagRedis        string
	flagUpstream     string
	flagToken        string
	flagLocalPort    int
	flagLocalPath    string
	flagAutoBitrate  bool
	flagHelp         bool
	flagVersion      bool
)

func init() {
	flag.StringVarP(&flagSource, "input", "i", "test:", "Capture source")
	flag.IntVarP(&flagWidth, "width", "x", 1280, "Video width")
	flag.IntVarP(&flagHeight, "height", "y", 720, "Video height")
	flag.IntVarP(&flagFramerate, "framerate", "f", 25, "Video framerate")
	flag.IntVarP(&flagBitrate, "bitrate", "b", 2000, "Video bitrate, in kbit/s")
	flag.IntVarP(&flagAudioBitrate, "audio-bitrate", "", 128, "Audio bitrate, in kbit/s")
	flag.StringVarP(&flagControl, "control", "c", "127.0.0.1:8554", "Control plane address")
	flag.StringVarP(&flagEnvFile, "env", "e", ".env", "Environment file")
	flag.StringVarP(&flagRedis, "redis", "r", "", "Redis address(es) for event publishing")
	flag.StringVarP(&flagUpstream, "upstream", "u", "", "Push destination, host:port")
	flag.StringVarP(&flagToken, "token", "t", "", "Push destination token")
	flag.IntVarP(&flagLocalPort, "local-port", "p", 0, "Serve pull consumers on this port")
	flag.StringVarP(&flagLocalPath, "local-path", "", "/live", "Pull consumer mount path")
	flag.BoolVarP(&flagAutoBitrate, "auto-bitrate", "a", false, "Adapt video bitrate to upstream throughput")

	flag.BoolVarP(&flagHelp, "help", "h", false, "Print usage information and exit")
	flag.BoolVarP(&flagVersion, "version", "v", false, "Print version information and exit")
}

const helpString = `Live audio/video distribution for connected devices

Usage: alohacastd [OPTION]...

Capture:
  -i, --input=SPEC       Capture source: test:, h264:FILE, mp4:FILE or v4l2:DEV
                         (default: test:)
  -x, --width=NUM        Video width (default: 1280)
  -y, --height=NUM       Video height (default: 720)
  -f, --framerate=NUM    Video framerate (default: 25)
  -b, --bitrate=NUM      Video bitrate, in kbit/s (default: 2000)
      --audio-bitrate=NUM
                         Audio bitrate, in kbit/s (default: 128)

Distribution:
  -u, --upstream=ADDR    Push to ADDR (host:port) on startup
  -t, --token=STR        36-character push destination token
  -a, --auto-bitrate     Adapt video bitrate to upstream throughput
  -p, --local-port=NUM   Serve pull consumers on startup
      --local-path=PATH  Pull consumer mount path (default: /live)

Control:
  -c, --control=ADDR     Control plane address (default: 127.0.0.1:8554)
  -r, --redis=ADDRS      Publish events to Redis (comma-separated addresses)
  -e, --env=FILE         Read settings from FILE (default: .env)

Miscellaneous:
  -h, --help             Prints this help message and exits
  -v, --version          Prints version information and exits

Settings not given on the command line are read from ALOHACAST_* environment
variables. Log levels are set with LOGLEVEL, e.g. LOGLEVEL=info,upstream=debug.

Please report bugs to: aloha@lanikailabs.com`

// Help information is printed and program exits
func help() {
	r := color.New(color.FgRed)
	y := color.New(color.FgYellow)
	b := color.New(color.FgCyan)

	//        _         _
	//   __ _| |  ___  | |__    __ _  ___  __ _  ___ | |_
	//  / _` | | / _ \ | '_ \  / _` |/ __|/ _` |/ __|| __|
	// | (_| | || (_) || | | || (_| | (__| (_| |\__ \| |_
	//  \__,_|_| \___/ |_| |_| \__,_|\___|\__,_||___/ \__|

	r.Printf("        ")
	y.Printf("_ ")
	b.Printf("       ")
	y.Println("_")

	r.Printf("   __ _")
	y.Printf("| | ")
	b.Printf(" ___  ")
	y.Printf("| |__  ")
	r.Printf("  __ _ ")
	b.Printf(" ___ ")
	r.Printf(" __ _ ")
	y.Printf(" ___ ")
	b.Println("| |_")

	r.Printf("  / _` ")
	y.Printf("| | ")
	b.Printf("/ _ \\ ")
	y.Printf("| '_ \\ ")
	r.Printf(" / _` |")
	b.Printf("/ __|")
	r.Printf("/ _` |")
	y.Printf("/ __|")
	b.Println("| __|")

	r.Printf(" | (_| ")
	y.Printf("| |")
	b.Printf("| (_) |")
	y.Printf("| | | |")
	r.Printf("| (_| |")
	b.Printf(" (__")
	r.Printf("| (_| |")
	y.Printf("\\__ \\")
	b.Println("| |_")

	r.Printf("  \\__,_")
	y.Printf("|_|")
	b.Printf(" \\___/ ")
	y.Printf("|_| |_|")
	r.Printf(" \\__,_|")
	b.Printf("\\___|")
	r.Printf("\\__,_|")
	y.Printf("|___/")
	b.Println(" \\__|")

	fmt.Println(helpString)
}
