package dnsserver

import (
	"encoding/binary"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeQuery(id uint16, opcode uint8, rd bool, name string, qtype uint16) []byte {
	header := make([]byte, headerSize)
	binary.BigEndian.PutUint16(header[0:2], id)
	flags := uint16(opcode) << 11
	if rd {
		flags |= 0x0100
	}
	binary.BigEndian.PutUint16(header[2:4], flags)
	binary.BigEndian.PutUint16(header[4:6], 1)

	var question []byte
	for _, label := range strings.Split(name, ".") {
		question = append(question, byte(len(label)))
		question = append(question, label...)
	}
	question = append(question, 0)
	question = binary.BigEndian.AppendUint16(question, qtype)
	question = binary.BigEndian.AppendUint16(question, 1) // IN

	return append(header, question...)
}

func TestParseQueryExtractsFields(t *testing.T) {
	packet := encodeQuery(42, 0, true, "app.tako.local", TypeA)
	q, err := ParseQuery(packet)
	require.NoError(t, err)
	assert.Equal(t, uint16(42), q.ID)
	assert.Equal(t, uint8(0), q.Opcode)
	assert.True(t, q.RD)
	assert.Equal(t, "app.tako.local", q.Name)
	assert.Equal(t, TypeA, q.QType)
}

func TestIsTakoLocalHost(t *testing.T) {
	assert.True(t, IsTakoLocalHost("app.tako.local"))
	assert.True(t, IsTakoLocalHost("tako.local"))
	assert.False(t, IsTakoLocalHost("example.com"))
}

func responderFor(known map[string]bool) *Responder {
	return &Responder{
		LoopbackIP: net.ParseIP("127.77.0.1"),
		Known:      func(name string) bool { return known[name] },
	}
}

func TestBuildResponseKnownHostA(t *testing.T) {
	r := responderFor(map[string]bool{"app.tako.local": true})
	q, err := ParseQuery(encodeQuery(1, 0, true, "app.tako.local", TypeA))
	require.NoError(t, err)

	resp := r.BuildResponse(q)
	flags := binary.BigEndian.Uint16(resp[2:4])
	assert.Equal(t, uint16(0x8400), flags&0xFC0F, "QR=1, AA=1, RCODE=NOERROR")
	ancount := binary.BigEndian.Uint16(resp[6:8])
	assert.Equal(t, uint16(1), ancount)
}

func TestBuildResponseUnknownHostNXDomain(t *testing.T) {
	r := responderFor(map[string]bool{})
	q, err := ParseQuery(encodeQuery(1, 0, true, "missing.tako.local", TypeA))
	require.NoError(t, err)

	resp := r.BuildResponse(q)
	flags := binary.BigEndian.Uint16(resp[2:4])
	assert.Equal(t, uint16(rcodeNXDomain), flags&0x000F)
}

func TestBuildResponseOutOfZoneNXDomain(t *testing.T) {
	r := responderFor(map[string]bool{"app.tako.local": true})
	q, err := ParseQuery(encodeQuery(1, 0, true, "example.com", TypeA))
	require.NoError(t, err)

	resp := r.BuildResponse(q)
	flags := binary.BigEndian.Uint16(resp[2:4])
	assert.Equal(t, uint16(rcodeNXDomain), flags&0x000F)
}

func TestBuildResponseOtherQTypeNoError(t *testing.T) {
	r := responderFor(map[string]bool{"app.tako.local": true})
	q, err := ParseQuery(encodeQuery(1, 0, true, "app.tako.local", 16)) // TXT
	require.NoError(t, err)

	resp := r.BuildResponse(q)
	flags := binary.BigEndian.Uint16(resp[2:4])
	assert.Equal(t, uint16(rcodeNoError), flags&0x000F)
	ancount := binary.BigEndian.Uint16(resp[6:8])
	assert.Equal(t, uint16(0), ancount)
}

func TestBuildResponseEchoesOpcodeAndRD(t *testing.T) {
	r := responderFor(map[string]bool{"app.tako.local": true})
	q, err := ParseQuery(encodeQuery(7, 2, false, "app.tako.local", TypeA))
	require.NoError(t, err)

	resp := r.BuildResponse(q)
	flags := binary.BigEndian.Uint16(resp[2:4])
	assert.Equal(t, uint8(2), uint8((flags>>11)&0x0F))
	assert.False(t, flags&0x0100 != 0)
	assert.Equal(t, uint16(7), binary.BigEndian.Uint16(resp[0:2]))
}
