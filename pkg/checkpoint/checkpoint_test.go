package checkpoint

import (
	"io/ioutil"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"tabkit/pkg/model"
)

func TestManager_RoundTrip(t *testing.T) {
	m := New(t.TempDir() + "/nested")
	state := model.State{{1, 2, 3}, {-0.5}}

	require.NoError(t, m.Save("run", state))
	files, err := ioutil.ReadDir(m.Dir())
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, "run"+Suffix, files[0].Name())

	loaded, err := m.Load("run")
	require.NoError(t, err)
	require.Equal(t, state, loaded)

	require.NoError(t, m.Delete("run"))
	_, err = m.Load("run")
	require.ErrorIs(t, err, ErrArtifactNotFound)

	require.NoError(t, m.Delete("run"))
}

func TestManager_SaveReplaces(t *testing.T) {
	m := New(t.TempDir())
	require.NoError(t, m.Save("run", model.State{{1}}))
	require.NoError(t, m.Save("run", model.State{{2}}))

	loaded, err := m.Load("run")
	require.NoError(t, err)
	require.Equal(t, model.State{{2}}, loaded)

	entries, err := os.ReadDir(m.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "run"+Suffix, entries[0].Name())
}

func TestManager_TagsDoNotCollide(t *testing.T) {
	m := New(t.TempDir())
	require.NoError(t, m.Save("a", model.State{{1}}))
	require.NoError(t, m.Save("b", model.State{{2}}))
	require.NoError(t, m.Delete("a"))

	loaded, err := m.Load("b")
	require.NoError(t, err)
	require.Equal(t, model.State{{2}}, loaded)
}

func TestManager_CorruptArtifact(t *testing.T) {
	m := New(t.TempDir())
	require.NoError(t, os.WriteFile(m.Path("bad"), []byte("not gob"), 0o644))
	_, err := m.Load("bad")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrArtifactNotFound)
}

func TestRunIDGenerators_Unique(t *testing.T) {
	generators := []RunIDGenerator{UUIDGenerator{}, &SequenceGenerator{}}
	for _, generator := range generators {
		var mu sync.Mutex
		var wg sync.WaitGroup
		seen := map[string]bool{}
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					id := generator.Next()
					mu.Lock()
					seen[id] = true
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		require.Len(t, seen, 800)
	}
}

func TestSequenceGenerator_SharedAcrossInstances(t *testing.T) {
	first := (&SequenceGenerator{}).Next()
	second := (&SequenceGenerator{}).Next()
	require.NotEqual(t, first, second)
}
