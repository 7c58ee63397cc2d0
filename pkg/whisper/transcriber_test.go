package whisper

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxlog/voxlog/pkg/config"
)

func TestParseStdoutStripsTimestamps(t *testing.T) {
	out := `whisper_init_from_file_with_params_no_state: loading model
system_info: n_threads = 4
[00:00:00.000 --> 00:00:04.000]  Hello there, this is a memo.
[00:00:04.000 --> 00:00:07.500]  Second segment here.
main: processing done
`
	got := parseStdout(out)
	assert.Equal(t, "Hello there, this is a memo.\nSecond segment here.", got)
}

func TestParseStdoutPlainText(t *testing.T) {
	got := parseStdout("\n Just the transcript, no decorations. \n")
	assert.Equal(t, "Just the transcript, no decorations.", got)
}

func TestParseStdoutEmpty(t *testing.T) {
	assert.Equal(t, "", parseStdout("whisper_model_load: done\n"))
}

func TestLookupModel(t *testing.T) {
	info, err := LookupModel("base")
	require.NoError(t, err)
	assert.Equal(t, "ggml-base.bin", info.File)
	assert.Positive(t, info.Size)

	_, err = LookupModel("enormous")
	assert.Error(t, err)
}

func TestListModelsReportsDownloadState(t *testing.T) {
	dir := t.TempDir()
	info, err := LookupModel("tiny")
	require.NoError(t, err)

	// Wrong size must not count as downloaded.
	require.NoError(t, os.WriteFile(filepath.Join(dir, info.File), []byte("stub"), 0o644))

	for _, m := range ListModels(dir) {
		assert.False(t, m.Downloaded, "model %s", m.Name)
	}
}

// stubTranscriber wires a shell script in place of the whisper CLI.
func stubTranscriber(t *testing.T, script string) *Transcriber {
	t.Helper()
	cli := filepath.Join(t.TempDir(), "whisper-cli")
	require.NoError(t, os.WriteFile(cli, []byte(script), 0o755))
	return &Transcriber{
		config:    &config.WhisperConfig{CLIPath: cli, Threads: 1, FFmpegPath: "ffmpeg"},
		modelPath: "ggml-tiny.bin",
	}
}

func TestTranscribeReadsSideFile(t *testing.T) {
	audio := filepath.Join(t.TempDir(), "memo.wav")
	require.NoError(t, os.WriteFile(audio, []byte("RIFF"), 0o644))

	tr := stubTranscriber(t, `#!/bin/sh
while [ $# -gt 0 ]; do
  if [ "$1" = "-of" ]; then out="$2"; fi
  shift
done
printf '  hello from the side file  ' > "$out.txt"
echo "this stdout noise must be ignored"
`)

	got, err := tr.Transcribe(context.Background(), audio, "auto")
	require.NoError(t, err)
	assert.Equal(t, "hello from the side file", got)
}

func TestTranscribeFallsBackToStdout(t *testing.T) {
	audio := filepath.Join(t.TempDir(), "memo.wav")
	require.NoError(t, os.WriteFile(audio, []byte("RIFF"), 0o644))

	// No side-file written: the transcript comes from standard output.
	tr := stubTranscriber(t, `#!/bin/sh
echo "whisper_init_from_file: loading model"
echo "[00:00:00.000 --> 00:00:02.000]  hello from stdout"
`)

	got, err := tr.Transcribe(context.Background(), audio, "auto")
	require.NoError(t, err)
	assert.Equal(t, "hello from stdout", got)
}

func TestTranscribeCLIFailureSurfacesStderr(t *testing.T) {
	audio := filepath.Join(t.TempDir(), "memo.wav")
	require.NoError(t, os.WriteFile(audio, []byte("RIFF"), 0o644))

	tr := stubTranscriber(t, `#!/bin/sh
echo "error: model load failed" >&2
exit 3
`)

	_, err := tr.Transcribe(context.Background(), audio, "auto")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model load failed")
}

func TestTranscribeMissingAudio(t *testing.T) {
	tr := stubTranscriber(t, "#!/bin/sh\n")

	_, err := tr.Transcribe(context.Background(), filepath.Join(t.TempDir(), "gone.wav"), "auto")
	require.Error(t, err)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "error: bad flag", firstLine("\nerror: bad flag\nusage: ...\n"))
	assert.Equal(t, "", firstLine("\n \n"))
}
