package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"tabkit/pkg"
	"tabkit/pkg/io"
	"tabkit/pkg/model"
	"tabkit/pkg/tasks"
)

func TrainCommand() *cobra.Command {
	var params pkg.TrainParameters
	var architecture string
	config := pkg.DefaultConfig()
	mlp := model.DefaultMLPConfig()
	resNet := model.DefaultResNetConfig()

	var cmd = &cobra.Command{
		Use:   "train -i trainData -o outputFile -t targetColumn",
		Short: "Trains a new model on the provided training data and saves the trained model",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			arch := model.ArchitectureConfig{Kind: architecture, MLP: mlp, ResNet: resNet}
			return pkg.Train(ctx, params, config, arch, pkg.WithMetricSink(pkg.LogSink{Logger: log.Logger}))
		},
	}

	cmd.Flags().StringVarP(&params.TrainFile, "train-file", "i", "", "name of train file")
	cmd.Flags().StringVarP(&params.OutputFile, "output-file", "o", "", "name of the file to save model to.")
	cmd.Flags().StringVarP(&params.TargetColumn, "target-column", "t", "", "target column")
	cmd.Flags().StringSliceVarP(&params.CategoricalColumns, "categorical-columns", "", nil, "list of columns holding categorical data")
	cmd.Flags().BoolVarP(&config.Regression, "regression", "r", false, "train a regressor instead of a classifier")
	cmd.Flags().StringVarP(&architecture, "architecture", "a", model.KindMLP, "network architecture: mlp or resnet")

	cmd.Flags().IntVarP(&config.BatchSize, "batch-size", "b", config.BatchSize, "batch size")
	cmd.Flags().Float64VarP(&config.LearningRate, "learning-rate", "l", config.LearningRate, "learning rate")
	cmd.Flags().IntVarP(&config.NumEpochs, "num-epochs", "n", config.NumEpochs, "number of epochs to train")
	cmd.Flags().Uint64VarP(&config.RndSeed, "random-seed", "x", config.RndSeed, "random seed")
	cmd.Flags().StringVarP(&config.Optimizer, "optimizer", "", config.Optimizer, "optimizer: adam, adamw or sgd")
	cmd.Flags().Float64VarP(&config.WeightDecay, "weight-decay", "", config.WeightDecay, "weight decay of adamw")
	cmd.Flags().Float64VarP(&config.Momentum, "momentum", "", config.Momentum, "momentum of sgd")
	cmd.Flags().Float64VarP(&config.GradientClip, "gradient-clip", "", config.GradientClip, "gradient clipping threshold, 0 disables clipping")
	cmd.Flags().IntVarP(&config.Patience, "patience", "p", config.Patience, "epochs without improvement before stopping")
	cmd.Flags().Float64VarP(&config.Threshold, "threshold", "", config.Threshold, "relative improvement threshold of early stopping")
	cmd.Flags().StringVarP(&config.ValidationMetric, "validation-metric", "", config.ValidationMetric, "classification validation metric: class_error or cross_entropy")
	cmd.Flags().Float64VarP(&config.ValidationFraction, "validation-fraction", "", config.ValidationFraction, "fraction of the data held out for validation")
	cmd.Flags().BoolVarP(&config.LRScheduler, "lr-scheduler", "", config.LRScheduler, "reduce the learning rate when the validation loss plateaus")
	cmd.Flags().IntVarP(&config.LRPatience, "lr-patience", "", config.LRPatience, "epochs without improvement before reducing the learning rate")
	cmd.Flags().Float64VarP(&config.LRFactor, "lr-factor", "", config.LRFactor, "learning rate reduction factor")
	cmd.Flags().Float64VarP(&config.MinLR, "min-lr", "", config.MinLR, "minimum learning rate")
	cmd.Flags().BoolVarP(&config.UseCheckpoints, "checkpoints", "", config.UseCheckpoints, "checkpoint the best epoch and restore it after training")
	cmd.Flags().StringVarP(&config.CheckpointDir, "checkpoint-dir", "", config.CheckpointDir, "directory of the checkpoints")
	cmd.Flags().BoolVarP(&config.RetainBestWeights, "retain-best-weights", "", config.RetainBestWeights, "keep the best weights in memory")

	cmd.Flags().IntVarP(&mlp.NumLayers, "mlp-layers", "", mlp.NumLayers, "number of mlp hidden layers")
	cmd.Flags().IntVarP(&mlp.DLayers, "mlp-width", "", mlp.DLayers, "width of the inner mlp layers")
	cmd.Flags().IntVarP(&mlp.DFirstLayer, "mlp-first-width", "", mlp.DFirstLayer, "width of the first mlp layer")
	cmd.Flags().IntVarP(&mlp.DLastLayer, "mlp-last-width", "", mlp.DLastLayer, "width of the last mlp layer")
	cmd.Flags().Float64VarP(&mlp.Dropout, "mlp-dropout", "", mlp.Dropout, "mlp dropout probability")
	cmd.Flags().IntVarP(&mlp.DEmbedding, "mlp-embedding-size", "", mlp.DEmbedding, "size of categorical embeddings of the mlp")

	cmd.Flags().IntVarP(&resNet.D, "resnet-width", "", resNet.D, "width of the residual stream")
	cmd.Flags().Float64VarP(&resNet.DHiddenFactor, "resnet-hidden-factor", "", resNet.DHiddenFactor, "hidden width of a block relative to the residual width")
	cmd.Flags().IntVarP(&resNet.NumLayers, "resnet-layers", "", resNet.NumLayers, "number of residual blocks")
	cmd.Flags().StringVarP(&resNet.Activation, "resnet-activation", "", resNet.Activation, "activation: relu, reglu, sigmoid or tanh")
	cmd.Flags().StringVarP(&resNet.Normalization, "resnet-normalization", "", resNet.Normalization, "normalization: batchnorm or layernorm")
	cmd.Flags().Float64VarP(&resNet.HiddenDropout, "resnet-hidden-dropout", "", resNet.HiddenDropout, "dropout inside residual blocks")
	cmd.Flags().Float64VarP(&resNet.ResidualDropout, "resnet-residual-dropout", "", resNet.ResidualDropout, "dropout of the residual branch")
	cmd.Flags().IntVarP(&resNet.DEmbedding, "resnet-embedding-size", "", resNet.DEmbedding, "size of categorical embeddings of the resnet")

	_ = cmd.MarkFlagRequired("train-file")
	_ = cmd.MarkFlagRequired("output-file")
	_ = cmd.MarkFlagRequired("target-column")

	return cmd
}

func TestCommand() *cobra.Command {
	var modelFile string
	var inputFile string
	var outputFile string

	var cmd = &cobra.Command{
		Use:   "test -m modelFile -i testFile [-o outputFile]",
		Short: "Runs the provided model on the specified data input and logs its metrics",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return pkg.Test(modelFile, inputFile, outputFile)
		},
	}

	cmd.Flags().StringVarP(&modelFile, "model", "m", "", "name of model to test")
	cmd.Flags().StringVarP(&inputFile, "input", "i", "", "name of data input file")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "name of output file (optional)")

	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}

func PredictCommand() *cobra.Command {
	var modelFile string
	var inputFile string
	var outputFile string

	var cmd = &cobra.Command{
		Use:   "predict -m modelFile -i dataFile -o outputFile",
		Short: "Writes the predictions of the provided model for every row of the data input",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return pkg.Predict(modelFile, inputFile, outputFile)
		},
	}

	cmd.Flags().StringVarP(&modelFile, "model", "m", "", "name of model")
	cmd.Flags().StringVarP(&inputFile, "input", "i", "", "name of data input file")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "name of output file")

	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("output")

	return cmd
}

func TasksCommand() *cobra.Command {
	var dataPath string

	var cmd = &cobra.Command{
		Use:   "tasks",
		Short: "Manages task collections below $" + tasks.DataPathEnv,
	}
	cmd.PersistentFlags().StringVarP(&dataPath, "data-path", "d", "", "root of the task data (defaults to $"+tasks.DataPathEnv+")")

	paths := func() (tasks.Paths, error) {
		if dataPath != "" {
			return tasks.Paths{Root: dataPath}, nil
		}
		return tasks.PathsFromEnv()
	}

	cmd.AddCommand(tasksAddCommand(paths))
	cmd.AddCommand(&cobra.Command{
		Use:   "split-ood collection",
		Short: "Splits a collection into <collection>-indist and <collection>-oodist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := paths()
			if err != nil {
				return err
			}
			_, _, err = p.SplitCollectionByDistribution(args[0])
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "split-classes collection",
		Short: "Splits a classification collection into its binary and multi-class tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := paths()
			if err != nil {
				return err
			}
			_, _, err = p.SplitCollectionByClassCount(args[0])
			return err
		},
	})
	return cmd
}

func tasksAddCommand(paths func() (tasks.Paths, error)) *cobra.Command {
	var dataParams io.DataParameters
	var categoricalColumns []string
	var collection string
	var source string
	var minSamples int
	var maxOneHotSize int

	var cmd = &cobra.Command{
		Use:   "add -c collection -i dataFile -t targetColumn",
		Short: "Adds a CSV task to a collection when it passes the size checks",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := paths()
			if err != nil {
				return err
			}
			dataParams.CategoricalColumns = io.NewSet(categoricalColumns...)
			metaData, table, dataErrors, err := io.LoadData(dataParams, nil)
			if err != nil {
				return err
			}
			if len(dataErrors) > 0 {
				log.Warn().Int("Errors", len(dataErrors)).Msg("Skipped rows that could not be parsed")
			}
			name := strings.TrimSuffix(filepath.Base(dataParams.DataFile), filepath.Ext(dataParams.DataFile))
			info := tasks.NewInfo(tasks.Description{Source: source, Name: name}, metaData, table)
			if !tasks.CheckTask(info, minSamples, maxOneHotSize) {
				return nil
			}
			return p.AddTask(collection, info)
		},
	}

	cmd.Flags().StringVarP(&collection, "collection", "c", "", "name of the collection")
	cmd.Flags().StringVarP(&source, "source", "s", "csv", "source of the task")
	cmd.Flags().StringVarP(&dataParams.DataFile, "input", "i", "", "name of data input file")
	cmd.Flags().StringVarP(&dataParams.TargetColumn, "target-column", "t", "", "target column")
	cmd.Flags().BoolVarP(&dataParams.Regression, "regression", "r", false, "the target is continuous")
	cmd.Flags().StringSliceVarP(&categoricalColumns, "categorical-columns", "", nil, "list of columns holding categorical data")
	cmd.Flags().IntVarP(&minSamples, "min-samples", "", 0, "minimum number of samples")
	cmd.Flags().IntVarP(&maxOneHotSize, "max-one-hot-size", "", 10000, "maximum number of features after one-hot encoding")

	_ = cmd.MarkFlagRequired("collection")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("target-column")

	return cmd
}

var logLevel string
var logFormat string

func RootCommand() *cobra.Command {
	root := &cobra.Command{Use: "tabkit", PersistentPreRunE: setupLogging, SilenceUsage: true}

	root.PersistentFlags().StringVarP(&logLevel, "log-level", "", "info", "Logging level: info error or debug")
	root.PersistentFlags().StringVarP(&logFormat, "log-format", "", "pretty", "Logging format: pretty or json")

	root.AddCommand(TrainCommand())
	root.AddCommand(TestCommand())
	root.AddCommand(PredictCommand())
	root.AddCommand(TasksCommand())
	return root
}

func main() {
	if err := RootCommand().Execute(); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func setupLogging(cmd *cobra.Command, args []string) error {
	switch logLevel {
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	default:
		return fmt.Errorf("invalid logging level %q", logLevel)
	}

	switch logFormat {
	case "pretty":
		setupPrettyLogging()
	case "json":
	default:
		return fmt.Errorf("invalid log format %q", logFormat)
	}
	return nil
}

func setupPrettyLogging() {
	writer := zerolog.ConsoleWriter{Out: os.Stderr}
	writer.FormatFieldValue = func(i interface{}) string {
		switch v := i.(type) {
		case json.Number:
			val, _ := v.Float64()
			return fmt.Sprintf("%.3f", val)
		default:
			return fmt.Sprintf("%s", i)
		}
	}
	log.Logger = log.Output(writer)
}
