package exposure

import (
	"fmt"
	"math"
)

type rat64 [2]int64

func (r rat64)Float() float64 {
	if r[1] == 0 { return 0.0 }
	return float64(r[0]) / float64(r[1])
}

// An ExposureValue details how the photograph was exposed, as read from
// the EXIF data. From it we get the average scene luminance that would
// produce a mid-level exposure, and the EV used to line up exposures
// against each other during fusion.
type ExposureValue struct {
	ISO                        int64  // 100, 800, etc.
	FNumber                    rat64  // f/5.6 is {56,10}
	ExposureTime               rat64  // 1/500, 1/1000, etc.
}

// Reflected-light meter calibration constant K=12.07488, as a fraction
// of the ISO sensitivity scale.
const meterCalibration = 12.07488 / 100.0

func (ev ExposureValue)Known() bool {
	return ev.ISO > 0 && ev.FNumber.Float() > 0 && ev.ExposureTime.Float() > 0
}

// AverageLuminance is proportional to the amount of light the sensor
// collected: longer exposures, higher ISO and wider apertures all
// increase it.
func (ev ExposureValue)AverageLuminance() float64 {
	if !ev.Known() {
		return 0.0
	}
	n := ev.FNumber.Float()
	return ev.ExposureTime.Float() * float64(ev.ISO) / (n * n * meterCalibration)
}

// EV is log2 of the average luminance; one stop more exposure is +1.
func (ev ExposureValue)EV() float64 {
	return math.Log2(ev.AverageLuminance())
}

func (ev ExposureValue)String() string {
	if !ev.Known() {
		return "EV(unknown)"
	}
	s := fmt.Sprintf("f/%.1f", ev.FNumber.Float())
	if ev.ExposureTime[1] != 1 {
		s += fmt.Sprintf(", %d/%4d", ev.ExposureTime[0], ev.ExposureTime[1])
	} else {
		s += fmt.Sprintf(", %d", ev.ExposureTime[0])
	}
	s += fmt.Sprintf(", ISO%d", ev.ISO)
	return s + fmt.Sprintf(", EV %5.2f", ev.EV())
}

func (ev *ExposureValue)Validate() error {
	if ev.ISO <= 0 {
		return fmt.Errorf("(%s) ISO %d", ev, ev.ISO)
	}
	if ev.FNumber[1] == 0 || ev.FNumber.Float() <= 0 {
		return fmt.Errorf("(%s) FNumber %d/%d", ev, ev.FNumber[0], ev.FNumber[1])
	}
	if ev.ExposureTime[1] == 0 || ev.ExposureTime.Float() <= 0 {
		return fmt.Errorf("(%s) ExposureTime %d/%d", ev, ev.ExposureTime[0], ev.ExposureTime[1])
	}
	return nil
}
