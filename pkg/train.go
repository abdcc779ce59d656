package pkg

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"tabkit/pkg/io"
	"tabkit/pkg/model"
)

type TrainParameters struct {
	TrainFile          string
	OutputFile         string
	TargetColumn       string
	CategoricalColumns []string
}

// Train fits a network on a CSV file and saves the trained model to p.OutputFile
func Train(ctx context.Context, p TrainParameters, config Config, architecture model.ArchitectureConfig,
	opts ...Option) error {
	arch, err := architecture.Architecture()
	if err != nil {
		return err
	}

	metaData, data, dataErrors, err := io.LoadData(io.DataParameters{
		DataFile:           p.TrainFile,
		TargetColumn:       p.TargetColumn,
		CategoricalColumns: io.NewSet(p.CategoricalColumns...),
		Regression:         config.Regression,
	}, nil)
	if err != nil {
		return fmt.Errorf("error reading training data: %w", err)
	}
	printDataErrors(dataErrors)
	if data.Size() == 0 {
		return fmt.Errorf("no data to train in %s", p.TrainFile)
	}

	task := TaskData{
		X:                    data.X,
		Y:                    data.Y,
		CategoricalIndicator: metaData.CategoricalIndicator(),
		Cardinalities:        metaData.Cardinalities(),
	}
	if !config.Regression {
		task.NumClasses = metaData.TargetMap.Size()
	}

	c, err := Fit(ctx, task, config, arch, opts...)
	if err != nil {
		return err
	}

	m, err := c.Model(metaData)
	if err != nil {
		return err
	}
	if err := io.SaveModelFile(m, p.OutputFile); err != nil {
		return err
	}
	log.Info().Str("Model", p.OutputFile).Bool("PredictMean", m.PredictMean).Msg("Model saved")

	_, err = testInternal(m, data, "")
	return err
}
