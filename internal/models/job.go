package models

import (
	"encoding/json"
	"fmt"
)

type Lane string

const (
	LaneImage   Lane = "image"
	LaneVideo   Lane = "video"
	LaneDefault Lane = "default"
)

var Lanes = []Lane{LaneImage, LaneVideo, LaneDefault}

type TransformKind string

const (
	TransformImage TransformKind = "image"
	TransformVideo TransformKind = "video"
	// TransformSweep runs the reaper on the default lane.
	TransformSweep TransformKind = "sweep"
)

// Job is the queue payload. The File record stays authoritative.
type Job struct {
	FileID        int64         `json:"file_id"`
	TransformKind TransformKind `json:"transform_kind"`
	Attempt       int           `json:"attempt"`
}

func LaneFor(kind MediaKind) Lane {
	switch kind {
	case MediaKindImage:
		return LaneImage
	case MediaKindVideo:
		return LaneVideo
	default:
		return LaneDefault
	}
}

func JobFor(f File) Job {
	return Job{
		FileID:        f.ID,
		TransformKind: TransformKind(f.DeclaredKind),
		Attempt:       f.AttemptCount,
	}
}

func (j Job) Marshal() ([]byte, error) {
	return json.Marshal(j)
}

func UnmarshalJob(data []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	switch j.TransformKind {
	case TransformImage, TransformVideo:
		if j.FileID <= 0 {
			return Job{}, fmt.Errorf("decode job: invalid file_id %d", j.FileID)
		}
	case TransformSweep:
	default:
		return Job{}, fmt.Errorf("decode job: unknown transform_kind %q", j.TransformKind)
	}
	return j, nil
}
