package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/andresmejia3/facewatch/internal/utils" // Using the SafeCommand wrapper
)

const (
	statusOK    = 0
	statusError = 1

	// maxPayload guards against a corrupted length header allocating gigabytes.
	maxPayload = 64 << 20
)

// EngineError is a failure reported by the engine itself. The process is still healthy
// and can take the next frame.
type EngineError struct {
	Msg string
}

func (e *EngineError) Error() string { return "python worker error: " + e.Msg }

type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
}

// NewPythonWorker starts the engine script. Requests go over stdin, responses come back
// over a dedicated pipe so the engine's own prints never corrupt the stream.
func NewPythonWorker(ctx context.Context, id int, script string) (*PythonWorker, error) {
	py := utils.NewSafeCommand(ctx, "python3", "-u", script)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one length-prefixed request and returns the length-prefixed response body.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxPayload {
		return nil, fmt.Errorf("response of %d bytes exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// ProcessFrame sends one JPEG and decodes the faces found in it.
//
// Response layout:
//
//	[Status:u8=0] [NumFaces:u32] { [Box:4×i32 top,right,bottom,left] [Vec:128×f32] }...
//	[Status:u8=1] [MsgLen:u32] [Msg]
func (w *PythonWorker) ProcessFrame(jpeg []byte) ([]types.FaceResult, error) {
	body, err := w.Communicate(jpeg)
	if err != nil {
		return nil, err
	}
	return decodeResponse(body)
}

func decodeResponse(body []byte) ([]types.FaceResult, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("empty response")
	}
	r := bytes.NewReader(body[1:])

	switch body[0] {
	case statusOK:
	case statusError:
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("read error length: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("read error message: %w", err)
		}
		return nil, &EngineError{Msg: string(msg)}
	default:
		return nil, fmt.Errorf("unknown response status %d", body[0])
	}

	var numFaces uint32
	if err := binary.Read(r, binary.BigEndian, &numFaces); err != nil {
		return nil, fmt.Errorf("read face count: %w", err)
	}
	const faceSize = 4*4 + types.DescriptorDim*4
	if int64(numFaces)*faceSize > int64(r.Len()) {
		return nil, fmt.Errorf("response announces %d faces but carries %d bytes", numFaces, r.Len())
	}

	faces := make([]types.FaceResult, 0, numFaces)
	for i := uint32(0); i < numFaces; i++ {
		var box [4]int32
		var vec [types.DescriptorDim]float32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("read box %d: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, &vec); err != nil {
			return nil, fmt.Errorf("read descriptor %d: %w", i, err)
		}

		fr := types.FaceResult{
			Loc: []int{int(box[0]), int(box[1]), int(box[2]), int(box[3])},
			Vec: make([]float64, types.DescriptorDim),
		}
		for j, v := range vec {
			if math.IsNaN(float64(v)) {
				return nil, fmt.Errorf("descriptor %d contains NaN", i)
			}
			fr.Vec[j] = float64(v)
		}
		faces = append(faces, fr)
	}
	return faces, nil
}

// Logs returns whatever the engine wrote to stderr so far.
func (w *PythonWorker) Logs() string {
	if w.Cmd == nil {
		return ""
	}
	return w.Cmd.Stderr.String()
}

func (w *PythonWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}
