package isic2018

import (
	"os"
	"strconv"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/pkg/errors"
)

// Example is one manifest row: an image id plus, optionally, the image-level
// presence (0/1) of each attribute. When the manifest has no indicator columns,
// indicators are derived from the masks at load time.
type Example struct {
	ID         string
	Indicators []float32 // len(AttributeNames) when present, nil otherwise.
}

// Split holds the examples of the train/validation partition read from the
// manifest CSV. Validation rows are also appended to Train, mirroring the
// original challenge training protocol where validation images are kept in
// the training set.
type Split struct {
	Train []Example
	Valid []Example
}

// LoadSplit reads a manifest CSV with at least columns "id" and "split"
// ("train" or "valid"), and optionally one 0/1 column per attribute name.
func LoadSplit(csvPath string) (*Split, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open manifest %q", csvPath)
	}
	defer func() { _ = f.Close() }()
	df := dataframe.ReadCSV(f)
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "failed to parse manifest %q", csvPath)
	}
	return splitFromDataFrame(df)
}

func splitFromDataFrame(df dataframe.DataFrame) (*Split, error) {
	names := df.Names()
	hasColumn := func(name string) bool {
		for _, colName := range names {
			if colName == name {
				return true
			}
		}
		return false
	}
	for _, required := range []string{"id", "split"} {
		if !hasColumn(required) {
			return nil, errors.Errorf("manifest is missing required column %q (columns found: %v)",
				required, names)
		}
	}

	ids := df.Col("id").Records()
	splits := df.Col("split").Records()
	var indicatorCols [][]string
	hasIndicators := true
	for _, attrName := range AttributeNames {
		if !hasColumn(attrName) {
			hasIndicators = false
			break
		}
	}
	if hasIndicators {
		indicatorCols = make([][]string, NumAttributes)
		for attrIdx, attrName := range AttributeNames {
			indicatorCols[attrIdx] = df.Col(attrName).Records()
		}
	}

	split := &Split{}
	for row := range ids {
		example := Example{ID: ids[row]}
		if hasIndicators {
			example.Indicators = make([]float32, NumAttributes)
			for attrIdx := range AttributeNames {
				value, err := strconv.ParseFloat(indicatorCols[attrIdx][row], 64)
				if err != nil {
					return nil, errors.Wrapf(err, "manifest row %d: invalid %q value %q",
						row, AttributeNames[attrIdx], indicatorCols[attrIdx][row])
				}
				if value > 0 {
					example.Indicators[attrIdx] = 1
				}
			}
		}
		switch strings.ToLower(splits[row]) {
		case "train":
			split.Train = append(split.Train, example)
		case "valid", "validation", "val":
			split.Valid = append(split.Valid, example)
		default:
			return nil, errors.Errorf("manifest row %d: unknown split %q (want \"train\" or \"valid\")",
				row, splits[row])
		}
	}
	if len(split.Train) == 0 {
		return nil, errors.New("manifest has no training rows")
	}
	if len(split.Valid) == 0 {
		return nil, errors.New("manifest has no validation rows")
	}

	// Validation images also participate in training.
	split.Train = append(split.Train, split.Valid...)
	return split, nil
}
