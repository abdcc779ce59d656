package main

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"

	"tabkit/pkg/tasks"
)

func run(t *testing.T, args string) string {
	b := bytes.NewBufferString("")
	log.Logger = zerolog.New(b)
	root := RootCommand()
	root.SetArgs(append(strings.Fields(args), "--log-format", "json"))
	require.NoError(t, root.Execute())
	return b.String()
}

func TestFlowers(t *testing.T) {
	dir := t.TempDir()
	modelFile := filepath.Join(dir, "flowers.model")

	out := run(t, "train -i testdata/flowers.train.csv -o "+modelFile+" -t species --categorical-columns color"+
		" -n 8 -b 16 --checkpoint-dir "+filepath.Join(dir, "checkpoints"))
	require.Contains(t, out, `"Epoch":8`)
	require.Contains(t, out, `"message":"Model saved"`)
	require.NotContains(t, out, `"level":"error"`)

	out = run(t, "test -m "+modelFile+" -i testdata/flowers.test.csv")
	require.Contains(t, out, "MacroF1")
	require.NotContains(t, out, `"level":"error"`)

	predictions := filepath.Join(dir, "flowers.predictions")
	run(t, "predict -m "+modelFile+" -i testdata/flowers.test.csv -o "+predictions)
	content, err := ioutil.ReadFile(predictions)
	require.NoError(t, err)
	require.Len(t, strings.Split(strings.TrimSpace(string(content)), "\n"), 45)

	files, err := ioutil.ReadDir(filepath.Join(dir, "checkpoints"))
	require.NoError(t, err)
	require.Empty(t, files)
}

func TestPrices(t *testing.T) {
	dir := t.TempDir()
	modelFile := filepath.Join(dir, "prices.model")

	out := run(t, "train -r -a resnet --resnet-width 16 --resnet-layers 1 -i testdata/prices.train.csv -o "+modelFile+
		" -t price --categorical-columns color -n 5 --lr-scheduler --lr-patience 1 --log-level debug --checkpoint-dir "+dir)
	require.Contains(t, out, `"Metric":"constant_val_mse"`)
	require.Contains(t, out, `"Metric":"log_lr"`)
	require.NotContains(t, out, `"level":"error"`)

	out = run(t, "test -m "+modelFile+" -i testdata/prices.test.csv")
	require.Contains(t, out, "R-squared")
}

func TestTrain_InvalidOptimizer(t *testing.T) {
	root := RootCommand()
	root.SetArgs(strings.Fields("train -i testdata/flowers.train.csv -o " + filepath.Join(t.TempDir(), "m") +
		" -t species --optimizer rmsprop --log-format json"))
	root.SetErr(ioutil.Discard)
	require.Error(t, root.Execute())
}

func TestTasks(t *testing.T) {
	dir := t.TempDir()
	run(t, "tasks add -d "+dir+" -c meta-train-class -i testdata/flowers.train.csv -t species --categorical-columns color")
	run(t, "tasks add -d "+dir+" -c meta-train-class -i testdata/flowers.test.csv -t species --min-samples 100")
	run(t, "tasks split-ood -d "+dir+" meta-train-class")
	run(t, "tasks split-classes -d "+dir+" meta-train-class")

	p := tasks.Paths{Root: dir}
	c, err := p.LoadCollection("meta-train-class")
	require.NoError(t, err)
	require.Len(t, c.Tasks, 1)
	require.Equal(t, "flowers.train", c.Tasks[0].Name)

	ood, err := p.LoadCollection("meta-train-class-oodist")
	require.NoError(t, err)
	require.Len(t, ood.Tasks, 1)

	multi, err := p.LoadCollection("meta-train-multi-class")
	require.NoError(t, err)
	require.Equal(t, c.Tasks, multi.Tasks)

	_, err = os.Stat(p.CollectionFile("meta-train-bin-class"))
	require.NoError(t, err)
}
