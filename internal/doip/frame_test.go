package doip

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeFixedFrames(t *testing.T) {
	tests := []struct {
		name string
		got  []byte
		want []byte
	}{
		{
			name: "routing activation",
			got:  EncodeRoutingActivation(),
			want: []byte{0x02, 0xFD, 0x00, 0x01, 0x00, 0x00, 0x00, 0x07, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
		},
		{
			name: "keep alive",
			got:  EncodeKeepAlive(),
			want: []byte{0x02, 0xFD, 0x00, 0x07, 0x00, 0x00, 0x00, 0x00},
		},
		{
			name: "read oil temperature",
			got:  EncodeReadRequest(0xF45C),
			want: []byte{0x02, 0xFD, 0x80, 0x01, 0x00, 0x00, 0x00, 0x07, 0x0E, 0x00, 0x10, 0xF1, 0x03, 0x22, 0xF4, 0x5C},
		},
		{
			name: "read dtc",
			got:  EncodeReadDTC(),
			want: []byte{0x02, 0xFD, 0x80, 0x01, 0x00, 0x00, 0x00, 0x07, 0x0E, 0x00, 0x10, 0xF1, 0x03, 0x19, 0x02, 0x0C},
		},
		{
			name: "clear dtc",
			got:  EncodeClearDTC(),
			want: []byte{0x02, 0xFD, 0x80, 0x01, 0x00, 0x00, 0x00, 0x07, 0x0E, 0x00, 0x10, 0xF1, 0x03, 0x14, 0xFF, 0xFF, 0xFF},
		},
		{
			name: "vehicle identification",
			got:  EncodeVehicleIdentificationRequest(),
			want: []byte{0x02, 0xFD, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !bytes.Equal(tt.got, tt.want) {
				t.Errorf("got % X, want % X", tt.got, tt.want)
			}
		})
	}
}

func TestEncodeReturnsFreshSlices(t *testing.T) {
	a := EncodeKeepAlive()
	a[0] = 0xFF
	if b := EncodeKeepAlive(); b[0] != ProtocolVersion {
		t.Fatal("EncodeKeepAlive shares its backing array")
	}
}

func TestDecodeDataResponse(t *testing.T) {
	frame := EncodeDataResponse(0xF45C, []byte{0x78})
	if len(frame) != MinResponseSize {
		t.Fatalf("frame length %d, want %d", len(frame), MinResponseSize)
	}

	env, err := DecodeResponse(frame)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if env.Kind != KindData {
		t.Fatalf("kind %v, want data", env.Kind)
	}
	if env.DID != 0xF45C {
		t.Errorf("DID 0x%04X, want 0xF45C", env.DID)
	}
	if !bytes.Equal(env.Payload, []byte{0x78}) {
		t.Errorf("payload % X, want 78", env.Payload)
	}
}

func TestDecodeDTCResponse(t *testing.T) {
	codes := [][3]byte{{0x2A, 0xAF, 0x00}, {0x00, 0x00, 0x00}, {0x48, 0x0A, 0x12}}
	frame := EncodeDTCResponse(codes)
	frame = append(frame, 0xAB) // partial trailing record

	env, err := DecodeResponse(frame)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if env.Kind != KindDTC {
		t.Fatalf("kind %v, want dtc", env.Kind)
	}
	want := [][3]byte{{0x2A, 0xAF, 0x00}, {0x48, 0x0A, 0x12}}
	if len(env.DTCs) != len(want) {
		t.Fatalf("got %d codes, want %d", len(env.DTCs), len(want))
	}
	for i := range want {
		if env.DTCs[i] != want[i] {
			t.Errorf("code %d: got % X, want % X", i, env.DTCs[i], want[i])
		}
	}
}

func TestDecodeRejectsShortFrames(t *testing.T) {
	data := EncodeDataResponse(0xF45C, []byte{0x78})
	dtc := EncodeDTCResponse([][3]byte{{0x01, 0x02, 0x03}})

	tests := []struct {
		name  string
		frame []byte
	}{
		{"empty", nil},
		{"one byte", []byte{0x02}},
		{"wrong magic", []byte{0x01, 0xFD, 0x80, 0x01, 0, 0, 0, 0}},
		{"header fragment", data[:6]},
		{"data response 16 bytes", data[:16]},
		{"data response 15 bytes", data[:15]},
		{"dtc response 16 bytes", dtc[:16]},
		{"dtc response 14 bytes", dtc[:14]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeResponse(tt.frame)
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("err = %v, want ErrMalformed", err)
			}
			if env.Kind != KindUnrecognized {
				t.Errorf("kind %v, want unrecognized", env.Kind)
			}
		})
	}
}

func TestDecodeOtherFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		kind  Kind
	}{
		{"routing activation", EncodeRoutingActivationResponse(), KindRoutingActivation},
		{"routing activation prefix only", []byte{0x02, 0xFD, 0x80, 0x02}, KindRoutingActivation},
		{"clear ack", EncodeClearResponse(), KindClearAck},
		{"negative", EncodeNegativeResponse(ServiceClearDiagnosticInformation, 0x22), KindNegative},
		{"keep alive echo", EncodeKeepAlive(), KindUnrecognized},
		{"unknown service", append(EncodeDataResponse(0x1234, []byte{1})[:13], 0x6E, 0x12, 0x34), KindUnrecognized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeResponse(tt.frame)
			if err != nil {
				t.Fatalf("DecodeResponse: %v", err)
			}
			if env.Kind != tt.kind {
				t.Errorf("kind %v, want %v", env.Kind, tt.kind)
			}
		})
	}

	env, _ := DecodeResponse(EncodeNegativeResponse(ServiceReadDTCInformation, 0x31))
	if env.RequestService != ServiceReadDTCInformation || env.NRC != 0x31 {
		t.Errorf("negative response fields: service 0x%02X nrc 0x%02X", env.RequestService, env.NRC)
	}
}

func TestIsRoutingActivationResponse(t *testing.T) {
	if !IsRoutingActivationResponse(EncodeRoutingActivationResponse()) {
		t.Error("activation response not recognized")
	}
	if IsRoutingActivationResponse([]byte{0x02, 0xFD, 0x80}) {
		t.Error("3-byte prefix accepted")
	}
	if IsRoutingActivationResponse(EncodeKeepAlive()) {
		t.Error("keep-alive accepted as activation response")
	}
}

func FuzzDecodeResponse(f *testing.F) {
	f.Add(EncodeDataResponse(0xF45C, []byte{0x78}))
	f.Add(EncodeDTCResponse([][3]byte{{1, 2, 3}}))
	f.Add(EncodeRoutingActivationResponse())
	f.Add([]byte{0x02, 0xFD})
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, b []byte) {
		env, err := DecodeResponse(b)
		if err != nil && env.Kind != KindUnrecognized {
			t.Fatalf("error %v with kind %v", err, env.Kind)
		}
		if env.Kind == KindData && len(b) < MinResponseSize {
			t.Fatalf("data envelope from %d bytes", len(b))
		}
	})
}
