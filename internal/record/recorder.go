// Package record 记录本局实际驶过的道路，结束时通过 contract.Writer 落盘：
//   - <session>.track       每行一条 "|...|"，与屏幕所见一致；
//   - <session>.track.jsonl 每行 {"seq","source","row"}，便于对照远端/后备来源。
package record

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"tokenracer/internal/diag"
	"tokenracer/pkg/contract"
)

// DefaultMaxRows: 单局最多保留的行数，超出后丢弃最早的行。
const DefaultMaxRows = 200_000

// Recorder 并发安全；Record 由渲染循环调用，Flush 在对局结束后调用一次。
type Recorder struct {
	w       contract.Writer
	session string
	max     int
	log     *diag.Logger

	mu      sync.Mutex
	rows    []contract.RoadRow
	dropped int64
}

// Line 为边车文件的一行。
type Line struct {
	Seq    int64  `json:"seq"`
	Source string `json:"source"`
	Row    string `json:"row"`
}

// New 构造录制器。maxRows<=0 使用 DefaultMaxRows。
func New(w contract.Writer, session string, maxRows int, log *diag.Logger) (*Recorder, error) {
	if w == nil || session == "" {
		return nil, fmt.Errorf("recorder: %w: writer and session required", contract.ErrInvalidInput)
	}
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	return &Recorder{w: w, session: session, max: maxRows, log: log}, nil
}

// Session 本局标识（文件名前缀）。
func (r *Recorder) Session() string { return r.session }

// Record 追加一行已上屏的道路。
func (r *Recorder) Record(row contract.RoadRow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.rows) >= r.max {
		// 丢弃前半，避免逐行搬移
		half := len(r.rows) / 2
		r.rows = append(r.rows[:0], r.rows[half:]...)
		r.dropped += int64(half)
	}
	r.rows = append(r.rows, row.Clone())
}

// Len 当前保留的行数。
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

// Dropped 因上限被丢弃的行数。
func (r *Recorder) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Flush 写出主文件与边车；无行时不写任何文件。
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	rows := append([]contract.RoadRow(nil), r.rows...)
	r.mu.Unlock()
	if len(rows) == 0 {
		return nil
	}
	t0 := time.Now()

	var track, side bytes.Buffer
	enc := json.NewEncoder(&side)
	for _, row := range rows {
		track.WriteString(row.String())
		track.WriteByte('\n')
		if err := enc.Encode(Line{Seq: row.Seq, Source: row.Source.String(), Row: row.Interior()}); err != nil {
			return err
		}
	}
	// 边车先写：主文件出现即代表录制完整
	if err := r.w.Write(ctx, contract.ArtifactID(r.session+".track.jsonl"), &side); err != nil {
		r.log.Error("recorder", string(diag.Classify(err)), err.Error(), &t0)
		diag.IncError("recorder", string(diag.Classify(err)))
		return fmt.Errorf("write sidecar: %w", err)
	}
	if err := r.w.Write(ctx, contract.ArtifactID(r.session+".track"), &track); err != nil {
		r.log.Error("recorder", string(diag.Classify(err)), err.Error(), &t0)
		diag.IncError("recorder", string(diag.Classify(err)))
		return fmt.Errorf("write track: %w", err)
	}
	diag.IncOp("recorder", "flush", "success")
	r.log.InfoFinish("recorder", "flush "+r.session, t0, int64(len(rows)))
	return nil
}
