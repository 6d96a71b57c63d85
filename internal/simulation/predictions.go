package simulation

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rasta-dave/lightninglens-platform-sub000/internal/errors"
)

// Prediction is one model output row: the predicted optimal balance
// ratio for a channel and the adjustment needed to reach it.
type Prediction struct {
	ChannelID        string  `json:"channel_id"`
	BalanceRatio     float64 `json:"balance_ratio"`
	OptimalRatio     float64 `json:"predicted_optimal_ratio"`
	AdjustmentNeeded float64 `json:"adjustment_needed"`
}

// LoadLatestPredictions reads the newest predictions file in dir, or
// (nil, nil) when no predictions have been generated yet.
func LoadLatestPredictions(dir string) ([]Prediction, string, error) {
	files, err := ListFiles(dir, "predictions_*.csv")
	if err != nil || len(files) == 0 {
		return nil, "", err
	}

	path := files[0]
	preds, err := loadPredictionsFile(path)
	if err != nil {
		return nil, "", err
	}
	return preds, path, nil
}

func loadPredictionsFile(path string) ([]Prediction, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.ValidationError("cannot open predictions file").WithContext("path", path)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, errors.ValidationError("predictions file is empty").WithContext("path", path)
	}

	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(strings.ToLower(name))] = i
	}
	if _, ok := col["channel_id"]; !ok {
		return nil, errors.ValidationError("predictions header is missing channel_id")
	}

	var preds []Prediction
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		p := Prediction{ChannelID: field(row, col, "channel_id")}
		p.BalanceRatio, _ = strconv.ParseFloat(field(row, col, "balance_ratio"), 64)
		p.OptimalRatio, _ = strconv.ParseFloat(field(row, col, "predicted_optimal_ratio"), 64)
		p.AdjustmentNeeded, _ = strconv.ParseFloat(field(row, col, "adjustment_needed"), 64)
		preds = append(preds, p)
	}

	if len(preds) == 0 {
		return nil, errors.ValidationError("predictions file has no rows").WithContext("path", path)
	}
	return preds, nil
}
