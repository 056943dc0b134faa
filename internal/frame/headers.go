/*
package frame builds and parses the frames a station sends and inspects while
waking from dynamic power management: 802.11 null data and PS-Poll frames and
the ARP, UDP and TCP keep-alive datagrams carried over LLC/SNAP.

Below is the byte schema for an ARP header carried in an 802.11 data frame:

	0      2          4       5          6         8       14          18       24          28
	| HW AT | Proto AT | HW AL | Proto AL | OP Code | HW AoS | Proto AoS | HW AoT | Proto AoT |
	|  2B   |  2B      |  1B   |  1B      | 2B      |   6B   |    4B     |  6B    |   4B
	| = 1   |=0x0800   |=6     |=4        | 1 | 2   |       known        |=0      |
*/
package frame

import (
	"encoding/binary"
	"strconv"

	"github.com/soypat/seqs"
)

const (
	sizeARPv4  = 28
	sizeIPv4   = 20
	sizeUDP    = 8
	sizeTCP    = 20
	sizePseudo = 12
)

// EtherType values carried in the SNAP header.
type EtherType uint16

const (
	EtherTypeIPv4 EtherType = 0x0800
	EtherTypeARP  EtherType = 0x0806
)

func (et EtherType) String() string {
	switch et {
	case EtherTypeIPv4:
		return "IPv4"
	case EtherTypeARP:
		return "ARP"
	}
	return "0x" + strconv.FormatUint(uint64(et), 16)
}

// IP protocol numbers.
const (
	IPProtoTCP = 6
	IPProtoUDP = 17
)

// ARP operations.
const (
	ARPRequest = 1
	ARPReply   = 2
)

// ARPv4Header is the ARP header for IPv4 and 6 byte hardware addresses. 28 bytes in size.
type ARPv4Header struct {
	HardwareType   uint16  // 0:2
	ProtoType      uint16  // 2:4
	HardwareLength uint8   // 4:5
	ProtoLength    uint8   // 5:6
	Operation      uint16  // 6:8
	HardwareSender [6]byte // 8:14
	ProtoSender    [4]byte // 14:18
	HardwareTarget [6]byte // 18:24
	ProtoTarget    [4]byte // 24:28
}

// IPv4Header is the Internet Protocol header. 20 bytes in size. Does not include options.
type IPv4Header struct {
	VersionAndIHL uint8   // 0:1
	ToS           uint8   // 1:2
	TotalLength   uint16  // 2:4
	ID            uint16  // 4:6
	Flags         uint16  // 6:8
	TTL           uint8   // 8:9
	Protocol      uint8   // 9:10
	Checksum      uint16  // 10:12
	Source        [4]byte // 12:16
	Destination   [4]byte // 16:20
}

// UDPHeader is the 8 byte UDP header.
type UDPHeader struct {
	SourcePort      uint16 // 0:2
	DestinationPort uint16 // 2:4
	Length          uint16 // 4:6 header plus payload
	Checksum        uint16 // 6:8
}

// TCPHeader is the 20 byte TCP header without options.
type TCPHeader struct {
	SourcePort      uint16     // 0:2
	DestinationPort uint16     // 2:4
	Seq             seqs.Value // 4:8
	Ack             seqs.Value // 8:12
	// OffsetAndFlags holds the data offset in the upper 4 bits and the flags in the lower 9.
	OffsetAndFlags uint16 // 12:14
	WindowSizeRaw  uint16 // 14:16
	Checksum       uint16 // 16:18
	UrgentPtr      uint16 // 18:20
}

// TCP header flags.
const (
	TCPFlagFIN uint16 = 1 << iota
	TCPFlagSYN
	TCPFlagRST
	TCPFlagPSH
	TCPFlagACK
)

func DecodeARPv4Header(buf []byte) (arphdr ARPv4Header) {
	_ = buf[sizeARPv4-1]
	arphdr.HardwareType = binary.BigEndian.Uint16(buf[0:])
	arphdr.ProtoType = binary.BigEndian.Uint16(buf[2:])
	arphdr.HardwareLength = buf[4]
	arphdr.ProtoLength = buf[5]
	arphdr.Operation = binary.BigEndian.Uint16(buf[6:])
	copy(arphdr.HardwareSender[:], buf[8:14])
	copy(arphdr.ProtoSender[:], buf[14:18])
	copy(arphdr.HardwareTarget[:], buf[18:24])
	copy(arphdr.ProtoTarget[:], buf[24:28])
	return arphdr
}

func (arphdr *ARPv4Header) Put(buf []byte) {
	_ = buf[sizeARPv4-1]
	binary.BigEndian.PutUint16(buf[0:], arphdr.HardwareType)
	binary.BigEndian.PutUint16(buf[2:], arphdr.ProtoType)
	buf[4] = arphdr.HardwareLength
	buf[5] = arphdr.ProtoLength
	binary.BigEndian.PutUint16(buf[6:], arphdr.Operation)
	copy(buf[8:14], arphdr.HardwareSender[:])
	copy(buf[14:18], arphdr.ProtoSender[:])
	copy(buf[18:24], arphdr.HardwareTarget[:])
	copy(buf[24:28], arphdr.ProtoTarget[:])
}

func (a *ARPv4Header) String() string {
	return strcat("ARP op=", u32toa(uint32(a.Operation)), " sender=", ipstr(a.ProtoSender), " target=", ipstr(a.ProtoTarget))
}

func DecodeIPv4Header(buf []byte) (iphdr IPv4Header) {
	_ = buf[sizeIPv4-1]
	iphdr.VersionAndIHL = buf[0]
	iphdr.ToS = buf[1]
	iphdr.TotalLength = binary.BigEndian.Uint16(buf[2:])
	iphdr.ID = binary.BigEndian.Uint16(buf[4:])
	iphdr.Flags = binary.BigEndian.Uint16(buf[6:])
	iphdr.TTL = buf[8]
	iphdr.Protocol = buf[9]
	iphdr.Checksum = binary.BigEndian.Uint16(buf[10:])
	copy(iphdr.Source[:], buf[12:16])
	copy(iphdr.Destination[:], buf[16:20])
	return iphdr
}

// Put writes the header to buf. The version nibble is always 4.
func (iphdr *IPv4Header) Put(buf []byte) {
	_ = buf[sizeIPv4-1]
	buf[0] = 4<<4 | iphdr.VersionAndIHL&0xf
	buf[1] = iphdr.ToS
	binary.BigEndian.PutUint16(buf[2:], iphdr.TotalLength)
	binary.BigEndian.PutUint16(buf[4:], iphdr.ID)
	binary.BigEndian.PutUint16(buf[6:], iphdr.Flags)
	buf[8] = iphdr.TTL
	buf[9] = iphdr.Protocol
	binary.BigEndian.PutUint16(buf[10:], iphdr.Checksum)
	copy(buf[12:16], iphdr.Source[:])
	copy(buf[16:20], iphdr.Destination[:])
}

// PutPseudo writes the transport checksum pseudo header for a transport
// segment of length n.
func (iphdr *IPv4Header) PutPseudo(buf []byte, n uint16) {
	_ = buf[sizePseudo-1]
	copy(buf[0:4], iphdr.Source[:])
	copy(buf[4:8], iphdr.Destination[:])
	buf[8] = 0
	buf[9] = iphdr.Protocol
	binary.BigEndian.PutUint16(buf[10:12], n)
}

// CalculateChecksum returns the header checksum with the Checksum field taken as zero.
func (iphdr *IPv4Header) CalculateChecksum() uint16 {
	var buf [sizeIPv4]byte
	hdr := *iphdr
	hdr.Checksum = 0
	hdr.Put(buf[:])
	var crc CRC791
	crc.Write(buf[:])
	return crc.Sum16()
}

func (iphdr *IPv4Header) String() string {
	return strcat("IPv4 proto=", u32toa(uint32(iphdr.Protocol)), " len=", u32toa(uint32(iphdr.TotalLength)),
		" ", ipstr(iphdr.Source), "->", ipstr(iphdr.Destination))
}

func DecodeUDPHeader(buf []byte) (udp UDPHeader) {
	_ = buf[sizeUDP-1]
	udp.SourcePort = binary.BigEndian.Uint16(buf[0:])
	udp.DestinationPort = binary.BigEndian.Uint16(buf[2:])
	udp.Length = binary.BigEndian.Uint16(buf[4:])
	udp.Checksum = binary.BigEndian.Uint16(buf[6:])
	return udp
}

func (udphdr *UDPHeader) Put(buf []byte) {
	_ = buf[sizeUDP-1]
	binary.BigEndian.PutUint16(buf[0:], udphdr.SourcePort)
	binary.BigEndian.PutUint16(buf[2:], udphdr.DestinationPort)
	binary.BigEndian.PutUint16(buf[4:], udphdr.Length)
	binary.BigEndian.PutUint16(buf[6:], udphdr.Checksum)
}

// CalculateChecksumIPv4 returns the UDP checksum over the pseudo header, the
// UDP header and payload. A computed zero is sent as 0xffff.
func (udphdr *UDPHeader) CalculateChecksumIPv4(ip *IPv4Header, payload []byte) uint16 {
	var buf [sizePseudo + sizeUDP]byte
	ip.PutPseudo(buf[:sizePseudo], udphdr.Length)
	hdr := *udphdr
	hdr.Checksum = 0
	hdr.Put(buf[sizePseudo:])
	var crc CRC791
	crc.Write(buf[:])
	crc.Write(payload)
	if sum := crc.Sum16(); sum != 0 {
		return sum
	}
	return 0xffff
}

func (udphdr *UDPHeader) String() string {
	return strcat("UDP ", u32toa(uint32(udphdr.SourcePort)), "->", u32toa(uint32(udphdr.DestinationPort)),
		" len=", u32toa(uint32(udphdr.Length)))
}

func DecodeTCPHeader(buf []byte) (tcphdr TCPHeader) {
	_ = buf[sizeTCP-1]
	tcphdr.SourcePort = binary.BigEndian.Uint16(buf[0:])
	tcphdr.DestinationPort = binary.BigEndian.Uint16(buf[2:])
	tcphdr.Seq = seqs.Value(binary.BigEndian.Uint32(buf[4:]))
	tcphdr.Ack = seqs.Value(binary.BigEndian.Uint32(buf[8:]))
	tcphdr.OffsetAndFlags = binary.BigEndian.Uint16(buf[12:])
	tcphdr.WindowSizeRaw = binary.BigEndian.Uint16(buf[14:])
	tcphdr.Checksum = binary.BigEndian.Uint16(buf[16:])
	tcphdr.UrgentPtr = binary.BigEndian.Uint16(buf[18:])
	return tcphdr
}

func (tcphdr *TCPHeader) Put(buf []byte) {
	_ = buf[sizeTCP-1]
	binary.BigEndian.PutUint16(buf[0:], tcphdr.SourcePort)
	binary.BigEndian.PutUint16(buf[2:], tcphdr.DestinationPort)
	binary.BigEndian.PutUint32(buf[4:], uint32(tcphdr.Seq))
	binary.BigEndian.PutUint32(buf[8:], uint32(tcphdr.Ack))
	binary.BigEndian.PutUint16(buf[12:], tcphdr.OffsetAndFlags)
	binary.BigEndian.PutUint16(buf[14:], tcphdr.WindowSizeRaw)
	binary.BigEndian.PutUint16(buf[16:], tcphdr.Checksum)
	binary.BigEndian.PutUint16(buf[18:], tcphdr.UrgentPtr)
}

// Offset returns the header length in 32 bit words.
func (tcphdr *TCPHeader) Offset() uint8 { return uint8(tcphdr.OffsetAndFlags >> 12) }

func (tcphdr *TCPHeader) Flags() uint16 { return tcphdr.OffsetAndFlags & 0x1ff }

func (tcphdr *TCPHeader) SetFlags(v uint16) {
	tcphdr.OffsetAndFlags = tcphdr.OffsetAndFlags&^0x1ff | v&0x1ff
}

func (tcphdr *TCPHeader) SetOffset(words uint8) {
	if words > 0xf {
		panic("TCP offset overflow")
	}
	tcphdr.OffsetAndFlags = tcphdr.OffsetAndFlags&0x0fff | uint16(words)<<12
}

// CalculateChecksumIPv4 returns the TCP checksum of a segment without options.
func (tcphdr *TCPHeader) CalculateChecksumIPv4(ip *IPv4Header, payload []byte) uint16 {
	var buf [sizePseudo + sizeTCP]byte
	ip.PutPseudo(buf[:sizePseudo], uint16(sizeTCP+len(payload)))
	hdr := *tcphdr
	hdr.Checksum = 0
	hdr.Put(buf[sizePseudo:])
	var crc CRC791
	crc.Write(buf[:])
	crc.Write(payload)
	return crc.Sum16()
}

func (tcp *TCPHeader) String() string {
	return strcat("TCP ", u32toa(uint32(tcp.SourcePort)), "->", u32toa(uint32(tcp.DestinationPort)),
		" seq=", u32toa(uint32(tcp.Seq)), " ack=", u32toa(uint32(tcp.Ack)))
}

func u32toa(u uint32) string { return strconv.FormatUint(uint64(u), 10) }

func ipstr(ip [4]byte) string {
	return strcat(u32toa(uint32(ip[0])), ".", u32toa(uint32(ip[1])), ".", u32toa(uint32(ip[2])), ".", u32toa(uint32(ip[3])))
}

func strcat(strs ...string) (s string) {
	for _, str := range strs {
		s += str
	}
	return s
}
