package trainingservice

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/kestrel-ml/kestrel/metrics"
)

func itoa(i int) string {
	return strconv.Itoa(i)
}

// MetricTail reads complete lines appended to a trial's metric file since
// the previous call. A partial last line is left for the next call.
type MetricTail struct {
	Path   string
	offset int64
}

func (t *MetricTail) Read() ([]metrics.Report, error) {
	f, err := os.Open(t.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return nil, nil
	}
	data = data[:end+1]
	t.offset += int64(len(data))
	return ParseMetricLines(data), nil
}

// ParseMetricLines decodes JSON metric lines. Malformed lines are logged and
// skipped; one bad line never hides the others.
func ParseMetricLines(data []byte) []metrics.Report {
	var out []metrics.Report
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var r metrics.Report
		if err := json.Unmarshal(line, &r); err != nil || !r.Type.Valid() {
			log.WithFields(log.Fields{
				"line": string(line),
				"err":  err,
			}).Warn("Skipping malformed metric line")
			continue
		}
		out = append(out, r)
	}
	return out
}
