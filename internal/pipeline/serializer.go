package pipeline

import (
	"strconv"
	"strings"
)

// Serialize encodes results into the listener wire format:
//
//	[{"label":3,"x":1.0,"y":2.0,"w":30.0,"h":40.0,"score":0.8765}]
//
// Field order and precision are fixed; the listener parses them positionally.
func Serialize(results []DetectionResult) string {
	var b strings.Builder
	b.Grow(2 + len(results)*72)

	buf := make([]byte, 0, 32)
	b.WriteByte('[')
	for i, r := range results {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(`{"label":`)
		b.Write(strconv.AppendInt(buf[:0], int64(r.Label), 10))
		writeFixed(&b, buf, `,"x":`, r.Rect.X, 1)
		writeFixed(&b, buf, `,"y":`, r.Rect.Y, 1)
		writeFixed(&b, buf, `,"w":`, r.Rect.Width, 1)
		writeFixed(&b, buf, `,"h":`, r.Rect.Height, 1)
		writeFixed(&b, buf, `,"score":`, r.Score, 4)
		b.WriteByte('}')
	}
	b.WriteByte(']')
	return b.String()
}

func writeFixed(b *strings.Builder, buf []byte, key string, v float32, prec int) {
	b.WriteString(key)
	b.Write(strconv.AppendFloat(buf[:0], float64(v), 'f', prec, 32))
}
