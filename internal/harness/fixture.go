// Package harness поднимает кластер конвейеров в одном процессе и прогоняет
// на нем декларативные сценарии: какие метрики видит каждый хост и какое
// действие должно появиться в хранилище координатора.
package harness

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"cachetune-service/internal/faults"
	"cachetune-service/internal/models"
)

// ClusterType расположение координатора
type ClusterType string

const (
	// CoLocatedClusterManager координатор также является узлом данных
	CoLocatedClusterManager ClusterType = "MULTI_NODE_CO_LOCATED_CLUSTER_MANAGER"
	// DedicatedClusterManager координатор не хранит данных
	DedicatedClusterManager ClusterType = "MULTI_NODE_DEDICATED_CLUSTER_MANAGER"
)

// HostTag роль хоста в сценарии
type HostTag string

const (
	Data0                 HostTag = "DATA_0"
	Data1                 HostTag = "DATA_1"
	ElectedClusterManager HostTag = "ELECTED_CLUSTER_MANAGER"
)

const (
	defaultCycleBudget    = 20
	maxTupleSamples       = 1000
	expectPersistedAction = "persisted_action"
	expectNoAction        = "no_action"
)

// Tuple строка таблицы метрики
type Tuple struct {
	DimensionValues []string `yaml:"dimension_values" validate:"required,min=1"`
	Sum             float64  `yaml:"sum"`
	Avg             float64  `yaml:"avg"`
	Min             float64  `yaml:"min"`
	Max             float64  `yaml:"max"`
}

// values точки одного цикла, у которых сумма, среднее, минимум и максимум
// совпадают с кортежем: min, max и одинаковые точки между ними
func (tu Tuple) values() ([]float64, error) {
	if tu.Min > tu.Max || tu.Avg < tu.Min || tu.Avg > tu.Max {
		return nil, fmt.Errorf("tuple %v: avg %g is outside [%g, %g]", tu.DimensionValues, tu.Avg, tu.Min, tu.Max)
	}
	if tu.Avg == 0 {
		if tu.Sum != 0 || tu.Min != tu.Max {
			return nil, fmt.Errorf("tuple %v: zero avg needs zero sum and min == max", tu.DimensionValues)
		}
		return []float64{0}, nil
	}

	ratio := tu.Sum / tu.Avg
	n := int(math.Round(ratio))
	if n < 1 || n > maxTupleSamples || !near(ratio, float64(n)) {
		return nil, fmt.Errorf("tuple %v: sum %g is not a multiple of avg %g", tu.DimensionValues, tu.Sum, tu.Avg)
	}
	if tu.Min == tu.Max {
		out := make([]float64, n)
		for i := range out {
			out[i] = tu.Avg
		}
		return out, nil
	}
	if n < 2 {
		return nil, fmt.Errorf("tuple %v: min != max needs at least two samples", tu.DimensionValues)
	}

	rest := tu.Sum - tu.Min - tu.Max
	out := []float64{tu.Min}
	if n == 2 {
		if !near(rest, 0) {
			return nil, fmt.Errorf("tuple %v: two samples must sum to min + max", tu.DimensionValues)
		}
	} else {
		filler := rest / float64(n-2)
		if filler < tu.Min || filler > tu.Max {
			return nil, fmt.Errorf("tuple %v: sum %g cannot be reached inside [%g, %g]", tu.DimensionValues, tu.Sum, tu.Min, tu.Max)
		}
		for i := 0; i < n-2; i++ {
			out = append(out, filler)
		}
	}
	return append(out, tu.Max), nil
}

func near(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*math.Max(1, math.Abs(b))
}

// Table значения метрики на хостах
type Table struct {
	HostTags []HostTag `yaml:"host_tags" validate:"required,min=1,dive,oneof=DATA_0 DATA_1 ELECTED_CLUSTER_MANAGER"`
	Tuples   []Tuple   `yaml:"tuples" validate:"required,min=1,dive"`
}

// Metric метрика и ее таблицы
type Metric struct {
	Name           string   `yaml:"name" validate:"required"`
	DimensionNames []string `yaml:"dimension_names" validate:"required,min=1"`
	Tables         []Table  `yaml:"tables" validate:"required,min=1,dive"`
}

// Expectation что должно произойти и где
type Expectation struct {
	What        string            `yaml:"what" validate:"oneof=persisted_action no_action"`
	On          HostTag           `yaml:"on" validate:"required"`
	ActionType  models.ActionType `yaml:"action_type"`
	Validator   string            `yaml:"validator"`
	CycleBudget int               `yaml:"cycle_budget" validate:"gte=0"`
}

// Fixture сценарий целиком
type Fixture struct {
	Name           string        `yaml:"name" validate:"required"`
	ClusterType    ClusterType   `yaml:"cluster_type" validate:"oneof=MULTI_NODE_CO_LOCATED_CLUSTER_MANAGER MULTI_NODE_DEDICATED_CLUSTER_MANAGER"`
	Metrics        []Metric      `yaml:"metrics" validate:"dive"`
	Expect         []Expectation `yaml:"expect" validate:"dive"`
	ExpectedErrors []faults.Kind `yaml:"expected_errors"`
}

var validate = validator.New()

// LoadFixture читает сценарий из YAML файла
func LoadFixture(path string) (Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Fixture{}, fmt.Errorf("read fixture %s: %w", path, err)
	}
	return ParseFixture(data)
}

// ParseFixture разбирает сценарий. Неизвестные поля считаются ошибкой.
func ParseFixture(data []byte) (Fixture, error) {
	var f Fixture
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return Fixture{}, fmt.Errorf("decode fixture: %w", err)
	}
	if err := f.Validate(); err != nil {
		return Fixture{}, err
	}
	return f, nil
}

// Validate проверяет сценарий
func (f Fixture) Validate() error {
	if err := validate.Struct(f); err != nil {
		return fmt.Errorf("fixture %q: %w", f.Name, err)
	}
	for _, m := range f.Metrics {
		for _, t := range m.Tables {
			for _, tu := range t.Tuples {
				if len(tu.DimensionValues) != len(m.DimensionNames) {
					return fmt.Errorf("fixture %q: metric %s has %d dimension names but a tuple with %d values",
						f.Name, m.Name, len(m.DimensionNames), len(tu.DimensionValues))
				}
				if _, err := tu.values(); err != nil {
					return fmt.Errorf("fixture %q: metric %s: %w", f.Name, m.Name, err)
				}
			}
		}
	}
	for _, e := range f.Expect {
		if e.What == expectPersistedAction && e.Validator != "" {
			if _, ok := validators[e.Validator]; !ok {
				return fmt.Errorf("fixture %q: unknown validator %q", f.Name, e.Validator)
			}
		}
	}
	return nil
}

// Hosts хосты сценария: координатор и DATA_0 всегда, остальные по таблицам
func (f Fixture) Hosts() []HostTag {
	hosts := []HostTag{Data0, ElectedClusterManager}
	for _, m := range f.Metrics {
		for _, t := range m.Tables {
			for _, h := range t.HostTags {
				if !slices.Contains(hosts, h) {
					hosts = append(hosts, h)
				}
			}
		}
	}
	slices.Sort(hosts)
	return hosts
}

// Samples сэмплы одного цикла для хоста. Агрегат цикла по ним повторяет
// sum, avg, min и max строки таблицы. Строка, не прошедшая проверку,
// дает одну точку со значением avg.
func (f Fixture) Samples(host HostTag, nodeID string) []models.MetricSample {
	var out []models.MetricSample
	for _, m := range f.Metrics {
		for _, t := range m.Tables {
			if !slices.Contains(t.HostTags, host) {
				continue
			}
			for _, tu := range t.Tuples {
				values, err := tu.values()
				if err != nil {
					values = []float64{tu.Avg}
				}
				for _, v := range values {
					out = append(out, models.MetricSample{
						Resource: m.Name,
						Key:      models.NewKey(tu.DimensionValues...),
						NodeID:   nodeID,
						Value:    v,
					})
				}
			}
		}
	}
	return out
}

// allowed сообщает, ожидается ли в сценарии ошибка данного класса
func (f Fixture) allowed(kind faults.Kind) bool {
	return kind == faults.KindNone || slices.Contains(f.ExpectedErrors, kind)
}

// ErrExpectationNotMet ожидание не выполнено за отведенное число циклов
var ErrExpectationNotMet = errors.New("expectation not met")
