package frame

import "github.com/xiaoh105/neuralert-firmware-sub007/rtm"

const ipTTL = 64

// Station builds the frames a dozing station sends to its AP.
type Station struct {
	BSSID [6]byte
	MAC   [6]byte
	Net   rtm.NetParams
}

// StationFromEnv returns the station described by the association parameters.
func StationFromEnv(env *rtm.Env) Station {
	return Station{BSSID: env.BSSID, MAC: env.MyMAC, Net: env.Net}
}

func (s *Station) dataHeader(fc byte, seqn uint16, pm bool, da [6]byte) Dot11Header {
	h := Dot11Header{
		FC:     [2]byte{fc, FlagToDS},
		Addr1:  s.BSSID,
		Addr2:  s.MAC,
		Addr3:  da,
		SeqCtl: (seqn & 0xfff) << 4,
	}
	if pm {
		h.FC[1] |= FlagPwrMgmt
	}
	return h
}

// AppendNullData appends a null data frame. With pm set the frame tells the
// AP the station is dozing, otherwise it doubles as a keep-alive.
func (s *Station) AppendNullData(dst []byte, seqn uint16, pm bool) []byte {
	h := s.dataHeader(fcNullData, seqn, pm, s.BSSID)
	return appendHeader(dst, &h)
}

// AppendPSPoll appends a PS-Poll frame retrieving one buffered frame for aid.
func (s *Station) AppendPSPoll(dst []byte, aid uint16) []byte {
	h := Dot11Header{
		FC:       [2]byte{fcPSPoll, FlagPwrMgmt},
		Duration: aid&0x3fff | 0xc000,
		Addr1:    s.BSSID,
		Addr2:    s.MAC,
	}
	return appendHeader(dst, &h)
}

// AppendARP appends an ARP frame. Requests ask for target and broadcast;
// a gratuitous ARP is a request for the station's own address.
func (s *Station) AppendARP(dst []byte, seqn uint16, op uint16, target [4]byte) []byte {
	bcast := [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	h := s.dataHeader(fcData, seqn, true, bcast)
	dst = appendHeader(dst, &h)
	arp := ARPv4Header{
		HardwareType:   1,
		ProtoType:      uint16(EtherTypeIPv4),
		HardwareLength: 6,
		ProtoLength:    4,
		Operation:      op,
		HardwareSender: s.MAC,
		ProtoSender:    s.Net.OwnIP,
		ProtoTarget:    target,
	}
	var buf [sizeSNAP + sizeARPv4]byte
	putSNAP(buf[:], EtherTypeARP)
	arp.Put(buf[sizeSNAP:])
	return append(dst, buf[:]...)
}

// AppendGratuitousARP appends an ARP announcement of the station's address.
func (s *Station) AppendGratuitousARP(dst []byte, seqn uint16) []byte {
	return s.AppendARP(dst, seqn, ARPRequest, s.Net.OwnIP)
}

// AppendUDPHole appends an empty UDP datagram keeping a NAT mapping open.
func (s *Station) AppendUDPHole(dst []byte, seqn, ipid uint16, hole rtm.UDPHole) []byte {
	udp := UDPHeader{SourcePort: hole.SrcPort, DestinationPort: hole.DstPort, Length: sizeUDP}
	ip := s.ipHeader(IPProtoUDP, ipid, hole.Dst, sizeUDP)
	udp.Checksum = udp.CalculateChecksumIPv4(&ip, nil)
	var buf [sizeSNAP + sizeIPv4 + sizeUDP]byte
	putSNAP(buf[:], EtherTypeIPv4)
	ip.Put(buf[sizeSNAP:])
	udp.Put(buf[sizeSNAP+sizeIPv4:])
	h := s.dataHeader(fcData, seqn, true, s.Net.GatewayMAC)
	return append(appendHeader(dst, &h), buf[:]...)
}

// AppendTCPKeepAlive appends a bare ACK one sequence number behind the
// connection so the peer replies and both sides refresh their timers.
func (s *Station) AppendTCPKeepAlive(dst []byte, seqn, ipid uint16, ka *rtm.TCPKeepAlive) []byte {
	tcp := TCPHeader{
		SourcePort:      ka.SrcPort,
		DestinationPort: ka.DstPort,
		Seq:             ka.KeepAliveSeq(),
		Ack:             ka.Ack,
		WindowSizeRaw:   ka.Window,
	}
	tcp.SetOffset(sizeTCP / 4)
	tcp.SetFlags(TCPFlagACK)
	ip := s.ipHeader(IPProtoTCP, ipid, ka.Dst, sizeTCP)
	tcp.Checksum = tcp.CalculateChecksumIPv4(&ip, nil)
	var buf [sizeSNAP + sizeIPv4 + sizeTCP]byte
	putSNAP(buf[:], EtherTypeIPv4)
	ip.Put(buf[sizeSNAP:])
	tcp.Put(buf[sizeSNAP+sizeIPv4:])
	h := s.dataHeader(fcData, seqn, true, s.Net.GatewayMAC)
	return append(appendHeader(dst, &h), buf[:]...)
}

func (s *Station) ipHeader(proto uint8, id uint16, dst [4]byte, n int) IPv4Header {
	ip := IPv4Header{
		VersionAndIHL: 5,
		TotalLength:   uint16(sizeIPv4 + n),
		ID:            id,
		Flags:         0x4000, // don't fragment
		TTL:           ipTTL,
		Protocol:      proto,
		Source:        s.Net.OwnIP,
		Destination:   dst,
	}
	ip.Checksum = ip.CalculateChecksum()
	return ip
}

func appendHeader(dst []byte, h *Dot11Header) []byte {
	var buf [sizeDot11Data]byte
	n := h.Size()
	h.Put(buf[:])
	return append(dst, buf[:n]...)
}

// Kind classifies a transmitted frame.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindNullData
	KindPSPoll
	KindARP
	KindUDP
	KindTCP
)

func (k Kind) String() string {
	switch k {
	case KindNullData:
		return "null"
	case KindPSPoll:
		return "ps-poll"
	case KindARP:
		return "arp"
	case KindUDP:
		return "udp"
	case KindTCP:
		return "tcp"
	}
	return "unknown"
}

// Parsed is a decoded station frame. Only the headers matching Kind are set.
type Parsed struct {
	Kind  Kind
	Dot11 Dot11Header
	ARP   ARPv4Header
	IP    IPv4Header
	UDP   UDPHeader
	TCP   TCPHeader
}

// Parse decodes a frame built by Station.
func Parse(buf []byte) (p Parsed, err error) {
	p.Dot11, err = DecodeDot11Header(buf)
	if err != nil {
		return p, err
	}
	switch {
	case p.Dot11.IsPSPoll():
		p.Kind = KindPSPoll
		return p, nil
	case p.Dot11.IsNullData():
		p.Kind = KindNullData
		return p, nil
	case !p.Dot11.IsData():
		return p, errUnknown
	}
	body := buf[sizeDot11Data:]
	et, err := decodeSNAP(body)
	if err != nil {
		return p, err
	}
	body = body[sizeSNAP:]
	switch et {
	case EtherTypeARP:
		if len(body) < sizeARPv4 {
			return p, errShort
		}
		p.Kind = KindARP
		p.ARP = DecodeARPv4Header(body)
		return p, nil
	case EtherTypeIPv4:
	default:
		return p, errUnknown
	}
	if len(body) < sizeIPv4 {
		return p, errShort
	}
	p.IP = DecodeIPv4Header(body)
	body = body[sizeIPv4:]
	switch p.IP.Protocol {
	case IPProtoUDP:
		if len(body) < sizeUDP {
			return p, errShort
		}
		p.Kind = KindUDP
		p.UDP = DecodeUDPHeader(body)
	case IPProtoTCP:
		if len(body) < sizeTCP {
			return p, errShort
		}
		p.Kind = KindTCP
		p.TCP = DecodeTCPHeader(body)
	default:
		return p, errUnknown
	}
	return p, nil
}
