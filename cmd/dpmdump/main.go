package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/marcinbor85/gohex"
	"github.com/soypat/saleae"
	"github.com/soypat/saleae/analyzers"
	"github.com/xiaoh105/neuralert-firmware-sub007/rtm"
	"go.bug.st/serial"
)

var errNoImage = errors.New("no retention image preamble in input")

func main() {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(handler))
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "dpmdump - Decode a DPM retention image from a file, Intel HEX, a serial dump or a Saleae SPI capture.\n\tUsage:\n")
		flag.PrintDefaults()
	}
	raw := flag.String("f", "", "Input filename: raw image.")
	hexin := flag.String("hex", "", "Input filename: Intel HEX image.")
	hexAddr := flag.Uint("hex-addr", 0, "Load address of the image in the Intel HEX input or output. 0 uses the first data segment on input.")
	port := flag.String("serial", "", "Serial port the SoC dumps its retention memory to.")
	baud := flag.Int("baud", 115200, "Serial baud rate.")
	timeout := flag.Duration("timeout", 10*time.Second, "How long to wait for a serial dump.")
	sdo := flag.String("f-sd", "", "Input filename: SPI SDO data.")
	enable := flag.String("f-cs", "digital_0.bin", "Input filename: SPI CS/SS data.")
	clk := flag.String("f-clk", "digital_2.bin", "Input filename: SPI clock data.")
	outHex := flag.String("o-hex", "", "Output filename: write the image as Intel HEX.")
	outBin := flag.String("o-bin", "", "Output filename: write the raw image.")
	flag.Parse()

	var (
		img []byte
		err error
	)
	switch {
	case *raw != "":
		img, err = os.ReadFile(*raw)
	case *hexin != "":
		img, err = readHex(*hexin, uint32(*hexAddr))
	case *port != "":
		img, err = readSerial(*port, *baud, *timeout)
	case *sdo != "":
		img, err = readSPI(*sdo, *clk, *enable)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err.Error())
	}
	if len(img) > rtm.ImageSize {
		slog.Warn("trailing data ignored", slog.Int("len", len(img)), slog.Int("image", rtm.ImageSize))
		img = img[:rtm.ImageSize]
	}

	var p rtm.Param
	if err := p.UnmarshalBinary(img); err != nil {
		log.Fatal("decode: ", err.Error())
	}
	describe(os.Stdout, &p)

	if *outBin != "" {
		if err := os.WriteFile(*outBin, img, 0o644); err != nil {
			log.Fatal(err.Error())
		}
	}
	if *outHex != "" {
		if err := writeHex(*outHex, uint32(*hexAddr), img); err != nil {
			log.Fatal(err.Error())
		}
	}
}

// findImage returns the first ImageSize bytes of stream starting at the
// image preamble.
func findImage(stream []byte) ([]byte, error) {
	var pre [4]byte
	binary.LittleEndian.PutUint32(pre[:], rtm.Preamble)
	for off := 0; ; {
		i := bytes.Index(stream[off:], pre[:])
		if i < 0 {
			return nil, errNoImage
		}
		start := off + i
		if len(stream)-start < rtm.ImageSize {
			return nil, fmt.Errorf("image truncated at %d bytes: %w", len(stream)-start, rtm.ErrShortImage)
		}
		img := stream[start : start+rtm.ImageSize]
		if binary.LittleEndian.Uint16(img[rtm.ImageSize-2:]) == rtm.Checksum(img[:rtm.ImageSize-2]) {
			return img, nil
		}
		// Preamble bytes inside other data. Keep looking.
		off = start + 1
	}
}

func readHex(filename string, addr uint32) ([]byte, error) {
	fp, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(fp); err != nil {
		return nil, err
	}
	segs := mem.GetDataSegments()
	if len(segs) == 0 {
		return nil, errNoImage
	}
	if addr == 0 {
		addr = segs[0].Address
	}
	return mem.ToBinary(addr, uint32(rtm.ImageSize), 0xff), nil
}

func writeHex(filename string, addr uint32, img []byte) error {
	mem := gohex.NewMemory()
	if err := mem.AddBinary(addr, img); err != nil {
		return err
	}
	fp, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer fp.Close()
	return mem.DumpIntelHex(fp, 16)
}

func readSerial(port string, baud int, timeout time.Duration) ([]byte, error) {
	sp, err := serial.Open(port, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, err
	}
	defer sp.Close()
	if err := sp.SetReadTimeout(100 * time.Millisecond); err != nil {
		return nil, err
	}
	slog.Info("waiting for dump", slog.String("port", port), slog.Int("baud", baud))
	deadline := time.Now().Add(timeout)
	var stream []byte
	buf := make([]byte, 512)
	for time.Now().Before(deadline) {
		n, err := sp.Read(buf)
		if err != nil {
			return nil, err
		}
		stream = append(stream, buf[:n]...)
		if img, err := findImage(stream); err == nil {
			return img, nil
		}
	}
	_, err = findImage(stream)
	return nil, fmt.Errorf("serial %s after %s: %w", port, timeout, err)
}

// readSPI reassembles the host-to-SoC SPI stream of a Saleae capture and
// finds the image in it.
func readSPI(fsdo, fclk, fenable string) ([]byte, error) {
	sdo, err := opendigital(fsdo)
	if err != nil {
		return nil, err
	}
	clk, err := opendigital(fclk)
	if err != nil {
		return nil, err
	}
	enable, err := opendigital(fenable)
	if err != nil {
		return nil, err
	}
	spi := analyzers.SPI{}
	txs, _ := spi.Scan(clk, enable, sdo, sdo)
	var stream []byte
	for _, tx := range txs {
		stream = append(stream, tx.SDO...)
	}
	slog.Info("spi capture", slog.Int("transactions", len(txs)), slog.Int("bytes", len(stream)))
	return findImage(stream)
}

func opendigital(filename string) (*saleae.DigitalFile, error) {
	fp, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	return saleae.ReadDigitalFile(fp)
}
