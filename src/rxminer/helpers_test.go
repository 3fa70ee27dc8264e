package rxminer

import (
	"encoding/hex"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/onemorebsmith/rxstratum/src/gostratum/testmocks"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func testLogger() *zap.SugaredLogger {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(cfg),
		zapcore.AddSync(colorable.NewColorableStdout()),
		zapcore.DebugLevel,
	)).Sugar()
}

// 76 byte blob like a real hashing blob
var testBlobHex = strings.Repeat("0b", 39) + "00000000" + strings.Repeat("a1", 33)

func testSeedHex() string {
	return hex.EncodeToString([]byte("seed-0001"))
}

func testJob(id string, target string) testmocks.MockJob {
	return testmocks.MockJob{
		JobID:    id,
		Blob:     testBlobHex,
		Target:   target,
		SeedHash: testSeedHex(),
		Algo:     "rx/0",
		Height:   3000000,
	}
}

func mustJob(id string, target uint64) *Job {
	params := JobParams{JobID: id, Blob: testBlobHex, Target: EncodeTarget(target), SeedHash: testSeedHex()}
	job, err := params.ToJob(0, nil)
	if err != nil {
		panic(err)
	}
	return job
}
