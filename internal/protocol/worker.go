package protocol

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
)

// Kind tags worker protocol messages.
type Kind string

const (
	KindLoad       Kind = "load"
	KindTranscribe Kind = "transcribe"
	KindProgress   Kind = "progress"
	KindReady      Kind = "ready"
	KindResult     Kind = "result"
	KindError      Kind = "error"
)

// WorkerRequest is sent from the inference channel to its worker.
//
//	{kind:"load", model_path, language}
//	{kind:"transcribe", samples}
type WorkerRequest struct {
	Kind      Kind     `json:"kind"`
	ModelPath string   `json:"model_path,omitempty"`
	Language  string   `json:"language,omitempty"`
	Samples   Float32s `json:"samples,omitempty"`
}

// WorkerResponse is sent from the worker back to the channel.
//
//	{kind:"progress", stage, percent}
//	{kind:"ready"}
//	{kind:"result", text}
//	{kind:"error", message}
type WorkerResponse struct {
	Kind    Kind    `json:"kind"`
	Stage   string  `json:"stage,omitempty"`
	Percent float64 `json:"percent,omitempty"`
	Text    string  `json:"text,omitempty"`
	Message string  `json:"message,omitempty"`
}

// Float32s travels as base64 of little-endian IEEE-754 floats.
type Float32s []float32

func (f Float32s) MarshalJSON() ([]byte, error) {
	raw := make([]byte, len(f)*4)
	for i, v := range f {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	return json.Marshal(base64.StdEncoding.EncodeToString(raw))
}

func (f *Float32s) UnmarshalJSON(data []byte) error {
	var encoded string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return fmt.Errorf("samples: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("samples: %w", err)
	}
	if len(raw)%4 != 0 {
		return fmt.Errorf("samples: payload not aligned (%d bytes)", len(raw))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	*f = out
	return nil
}

// Codec reads and writes newline-delimited JSON messages over a worker pipe.
type Codec struct {
	enc *json.Encoder
	dec *json.Decoder
}

func NewCodec(r io.Reader, w io.Writer) *Codec {
	c := &Codec{}
	if r != nil {
		c.dec = json.NewDecoder(r)
	}
	if w != nil {
		c.enc = json.NewEncoder(w)
	}
	return c
}

func (c *Codec) WriteRequest(req WorkerRequest) error {
	return c.enc.Encode(req)
}

func (c *Codec) ReadRequest() (WorkerRequest, error) {
	var req WorkerRequest
	err := c.dec.Decode(&req)
	return req, err
}

func (c *Codec) WriteResponse(resp WorkerResponse) error {
	return c.enc.Encode(resp)
}

func (c *Codec) ReadResponse() (WorkerResponse, error) {
	var resp WorkerResponse
	err := c.dec.Decode(&resp)
	return resp, err
}
