package detector

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/pkg/errors"

	"github.com/ayusman/handwave/internal/landmark"
)

// Wire format of the MediaPipe worker. Each request is a 4 byte big-endian
// length followed by that many bytes of JPEG. Each response is one JSON
// line: {"hands":[{"points":[{"x":..,"y":..,"z":..}],"handedness":..,"score":..}]}
// or {"error":"..."}.

type wireResponse struct {
	Hands []wireHand `json:"hands"`
	Error string     `json:"error,omitempty"`
}

type wireHand struct {
	Points     []landmark.Point3D `json:"points"`
	Handedness string             `json:"handedness"`
	Score      float64            `json:"score"`
}

// maxFrameBytes bounds a single request.
const maxFrameBytes = 32 << 20

func writeFrame(w io.Writer, jpeg []byte) error {
	if len(jpeg) > maxFrameBytes {
		return errors.Errorf("frame of %d bytes exceeds %d", len(jpeg), maxFrameBytes)
	}
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(jpeg)))
	if _, err := w.Write(length[:]); err != nil {
		return errors.Wrap(err, "write length")
	}
	if _, err := w.Write(jpeg); err != nil {
		return errors.Wrap(err, "write data")
	}
	return nil
}

// decodeResponse parses one worker line. Hands beyond maxHands and points
// beyond NumLandmarks are dropped.
func decodeResponse(line []byte, maxHands int) (landmark.Set, error) {
	var resp wireResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, errors.Wrap(err, "parse response")
	}
	if resp.Error != "" {
		return nil, errors.Errorf("worker: %s", resp.Error)
	}

	n := len(resp.Hands)
	if maxHands > 0 && n > maxHands {
		n = maxHands
	}
	set := make(landmark.Set, 0, n)
	for _, h := range resp.Hands[:n] {
		pts := h.Points
		if len(pts) > landmark.NumLandmarks {
			pts = pts[:landmark.NumLandmarks]
		}
		set = append(set, landmark.Hand{
			Points:     append([]landmark.Point3D(nil), pts...),
			Handedness: h.Handedness,
			Score:      h.Score,
		})
	}
	return set, nil
}
