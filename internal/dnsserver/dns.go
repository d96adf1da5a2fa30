// Package dnsserver implements Tako's local authoritative DNS
// responder: a minimal UDP server that answers A/ANY queries for hosts
// ending in .tako.local with the dev loopback IP, and NXDOMAIN for
// everything else. There is no corpus library for DNS wire-format
// parsing (the original used hickory_proto, a Rust-only crate), so the
// message parsing here is hand-rolled against RFC 1035's fixed header
// layout — the smallest piece of this repo built on nothing but the
// standard library, justified in the design ledger.
package dnsserver

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strings"

	"github.com/takohq/tako/internal/logging"
	"github.com/takohq/tako/internal/routing"
)

// Query types this responder understands.
const (
	TypeA   uint16 = 1
	TypeANY uint16 = 255
)

const (
	rcodeNoError  = 0
	rcodeNXDomain = 3
)

// headerSize is the fixed 12-byte DNS message header.
const headerSize = 12

// ParsedQuery is the subset of an incoming DNS query this responder
// acts on.
type ParsedQuery struct {
	ID       uint16
	Opcode   uint8
	RD       bool
	Name     string
	QType    uint16
	QClass   uint16
	question []byte // raw question section, echoed back in the response
}

// ParseQuery extracts the header flags and first question from packet.
func ParseQuery(packet []byte) (*ParsedQuery, error) {
	if len(packet) < headerSize {
		return nil, fmt.Errorf("packet too short for DNS header")
	}

	id := binary.BigEndian.Uint16(packet[0:2])
	flags := binary.BigEndian.Uint16(packet[2:4])
	qdcount := binary.BigEndian.Uint16(packet[4:6])
	if qdcount < 1 {
		return nil, fmt.Errorf("no question in query")
	}

	opcode := uint8((flags >> 11) & 0x0F)
	rd := flags&0x0100 != 0

	name, offset, err := readName(packet, headerSize)
	if err != nil {
		return nil, err
	}
	if offset+4 > len(packet) {
		return nil, fmt.Errorf("truncated question")
	}
	qtype := binary.BigEndian.Uint16(packet[offset : offset+2])
	qclass := binary.BigEndian.Uint16(packet[offset+2 : offset+4])

	return &ParsedQuery{
		ID:       id,
		Opcode:   opcode,
		RD:       rd,
		Name:     strings.ToLower(name),
		QType:    qtype,
		QClass:   qclass,
		question: packet[headerSize : offset+4],
	}, nil
}

// readName decodes a (possibly compressed) DNS name label sequence
// starting at offset, returning the dotted name and the offset just
// past it. Queries built by this responder's own clients never use
// compression in the question section, but a defensive pointer check
// keeps a malformed packet from looping forever.
func readName(packet []byte, offset int) (string, int, error) {
	var labels []string
	start := offset
	for {
		if start >= len(packet) {
			return "", 0, fmt.Errorf("name runs past end of packet")
		}
		length := int(packet[start])
		if length == 0 {
			start++
			break
		}
		if length&0xC0 == 0xC0 {
			return "", 0, fmt.Errorf("compressed name not supported in question section")
		}
		start++
		if start+length > len(packet) {
			return "", 0, fmt.Errorf("label runs past end of packet")
		}
		labels = append(labels, string(packet[start:start+length]))
		start += length
	}
	return strings.Join(labels, "."), start, nil
}

// IsTakoLocalHost reports whether name falls in the .tako.local zone
// this responder is authoritative for.
func IsTakoLocalHost(name string) bool {
	name = strings.TrimSuffix(strings.ToLower(name), ".")
	return name == "tako.local" || strings.HasSuffix(name, ".tako.local")
}

// KnownHost reports whether name matches some app's registered route
// host, i.e. whether it's actually servable rather than merely being in
// the right zone.
type KnownHost func(name string) bool

// Responder answers parsed queries.
type Responder struct {
	LoopbackIP net.IP
	Known      KnownHost
}

// BuildResponse constructs the wire-format reply for q.
func (r *Responder) BuildResponse(q *ParsedQuery) []byte {
	name := routing.NormalizeHost(q.Name)
	known := IsTakoLocalHost(name) && r.Known(name)

	header := make([]byte, headerSize)
	binary.BigEndian.PutUint16(header[0:2], q.ID)

	flags := uint16(0x8000) // QR=1
	flags |= uint16(q.Opcode) << 11
	flags |= 0x0400 // AA=1
	if q.RD {
		flags |= 0x0100
	}

	var answerCount uint16
	var answer []byte
	switch {
	case !known:
		flags |= rcodeNXDomain
	case q.QType == TypeA || q.QType == TypeANY:
		answer = buildARecord(r.LoopbackIP)
		answerCount = 1
		flags |= rcodeNoError
	default:
		flags |= rcodeNoError // NOERROR, no records, for any other qtype
	}

	binary.BigEndian.PutUint16(header[2:4], flags)
	binary.BigEndian.PutUint16(header[4:6], 1) // QDCOUNT
	binary.BigEndian.PutUint16(header[6:8], answerCount)
	binary.BigEndian.PutUint16(header[8:10], 0)
	binary.BigEndian.PutUint16(header[10:12], 0)

	out := make([]byte, 0, len(header)+len(q.question)+len(answer))
	out = append(out, header...)
	out = append(out, q.question...)
	out = append(out, answer...)
	return out
}

const answerTTL = 30

func buildARecord(ip net.IP) []byte {
	ip4 := ip.To4()
	rec := make([]byte, 0, 16)
	rec = append(rec, 0xC0, 0x0C) // name pointer to offset 12 (the question's QNAME)
	rec = binary.BigEndian.AppendUint16(rec, TypeA)
	rec = binary.BigEndian.AppendUint16(rec, 1) // class IN
	rec = binary.BigEndian.AppendUint32(rec, answerTTL)
	rec = binary.BigEndian.AppendUint16(rec, 4) // RDLENGTH
	rec = append(rec, ip4...)
	return rec
}

// Server runs the UDP responder loop.
type Server struct {
	Addr      string
	Responder *Responder
}

// ListenAndServe binds the UDP socket and answers queries until ctx is
// canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	udpAddr, err := net.ResolveUDPAddr("udp", s.Addr)
	if err != nil {
		return fmt.Errorf("resolve DNS listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen UDP: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	buf := make([]byte, 512)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				logging.Warnf("dns read error: %v", err)
				continue
			}
		}

		packet := make([]byte, n)
		copy(packet, buf[:n])

		go func() {
			q, err := ParseQuery(packet)
			if err != nil {
				logging.Warnf("dns parse error from %s: %v", addr, err)
				return
			}
			resp := s.Responder.BuildResponse(q)
			if _, err := conn.WriteToUDP(resp, addr); err != nil {
				logging.Warnf("dns write error to %s: %v", addr, err)
			}
		}()
	}
}
