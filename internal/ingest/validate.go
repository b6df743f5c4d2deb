package ingest

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"iotportal/internal/telemetry"

	"github.com/go-playground/validator/v10"
)

const (
	maxMetricTypeLen = 100
	maxUnitLen       = 20
)

type readingInput struct {
	MetricType string  `validate:"required,max=100"`
	Value      float64 `validate:"finite"`
	Unit       string  `validate:"max=20"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("finite", func(fl validator.FieldLevel) bool {
		f := fl.Field().Float()
		return !math.IsNaN(f) && !math.IsInf(f, 0)
	})
	return v
}

// normalize trims the batch and checks every reading. Any violation rejects
// the whole batch.
func normalize(v *validator.Validate, readings []telemetry.Reading) ([]telemetry.Reading, error) {
	if len(readings) == 0 {
		return nil, telemetry.Invalidf("at least one measurement is required")
	}
	out := make([]telemetry.Reading, 0, len(readings))
	for i, r := range readings {
		in := readingInput{MetricType: strings.TrimSpace(r.MetricType), Value: r.Value}
		if r.Unit != nil {
			in.Unit = strings.TrimSpace(*r.Unit)
		}
		if err := v.Struct(in); err != nil {
			return nil, telemetry.Invalidf("measurements[%d]: %s", i, describe(err))
		}

		n := telemetry.Reading{MetricType: in.MetricType, Value: in.Value}
		if in.Unit != "" {
			unit := in.Unit
			n.Unit = &unit
		}
		out = append(out, n)
	}
	return out, nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Field() + "." + fe.Tag() {
	case "MetricType.required":
		return "metric type is required"
	case "MetricType.max":
		return fmt.Sprintf("metric type cannot exceed %d characters", maxMetricTypeLen)
	case "Value.finite":
		return "measurement value must be a valid number"
	case "Unit.max":
		return fmt.Sprintf("unit cannot exceed %d characters", maxUnitLen)
	}
	return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
}
