package radiometry

import(
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// The response curve file is plain text. Lines starting with '#' are
// comments; every other line is one raw level:
//
//   <level> <red> <green> <blue>
//
// Values are written in their shortest exact form, so reading back a
// written curve gives identical tables.

func WriteCurve(w io.Writer, rc *ResponseCurve) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# response curve: %s\n", rc.Type)
	fmt.Fprintf(bw, "# bitdepth: %d, levels: %d\n", rc.BitDepth, rc.Levels())
	fmt.Fprintf(bw, "# level red green blue\n")

	for i:=0; i<rc.Levels(); i++ {
		fmt.Fprintf(bw, "%d %s %s %s\n", i,
			strconv.FormatFloat(rc.LUT[0][i], 'g', -1, 64),
			strconv.FormatFloat(rc.LUT[1][i], 'g', -1, 64),
			strconv.FormatFloat(rc.LUT[2][i], 'g', -1, 64))
	}
	return bw.Flush()
}

func ReadCurve(r io.Reader) (*ResponseCurve, error) {
	lut := [3][]float64{}
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 4 {
			return nil, fmt.Errorf("line %d: want 4 fields, got %d: %w", lineNum, len(fields), ErrCurveFormat)
		}

		level, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: level '%s': %w", lineNum, fields[0], ErrCurveFormat)
		} else if level != len(lut[0]) {
			return nil, fmt.Errorf("line %d: level %d out of sequence: %w", lineNum, level, ErrCurveFormat)
		}

		for c:=0; c<3; c++ {
			v, err := strconv.ParseFloat(fields[c+1], 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: value '%s': %w", lineNum, fields[c+1], ErrCurveFormat)
			}
			lut[c] = append(lut[c], v)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading curve: %w", err)
	}

	return NewCustomResponseCurve(lut)
}

func SaveCurve(filename string, rc *ResponseCurve) error {
	if writer, err := os.Create(filename); err != nil {
		return fmt.Errorf("SaveCurve, open+w '%s': %w", filename, err)
	} else if err := writeAndClose(writer, rc); err != nil {
		return fmt.Errorf("SaveCurve '%s': %w", filename, err)
	}
	return nil
}

// writeAndClose closes wc whatever happens, and reports the close error
// if the write went through.
func writeAndClose(wc io.WriteCloser, rc *ResponseCurve) error {
	err := WriteCurve(wc, rc)
	if cerr := wc.Close(); err == nil {
		err = cerr
	}
	return err
}

func LoadCurve(filename string) (*ResponseCurve, error) {
	reader, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("LoadCurve, open+r '%s': %w", filename, err)
	}
	defer reader.Close()

	rc, err := ReadCurve(reader)
	if err != nil {
		return nil, fmt.Errorf("LoadCurve '%s': %w", filename, err)
	}
	return rc, nil
}
