package driver

import (
	"context"
	"io"
	"log"
	"os"

	"github.com/grantmerz/astrodet/dist"
	"github.com/grantmerz/astrodet/img"
	"github.com/grantmerz/astrodet/nnet"
	"github.com/grantmerz/astrodet/web"
	"github.com/grantmerz/astrodet/worker"
	"github.com/pkg/errors"
)

// Plan is the iteration schedule for a run.
type Plan struct {
	Epoch   int
	EndIter int
	Period  int
	Eval    bool
}

// Layout describes how a data set is stored and how long to train on it.
type Layout struct {
	Name      string
	Redshift  bool
	KeyMapper func(cfg nnet.Config) nnet.KeyMapper
	Reader    func(cfg nnet.Config) (img.Reader, error)
	Plan      func(cfg nnet.Config) Plan
}

// HSC has one FITS file per band with the G, R and I filenames in each record.
var HSC = Layout{
	Name: "hsc",
	KeyMapper: func(cfg nnet.Config) nnet.KeyMapper {
		return nnet.WithDir(cfg.Datasets.DataDir, nnet.HSCKeyMapper)
	},
	Reader: func(cfg nnet.Config) (img.Reader, error) {
		return img.NewBandReader(cfg.Normaliser()), nil
	},
	Plan: func(cfg nnet.Config) Plan {
		return Plan{Epoch: cfg.EpochIters(), EndIter: 20, Period: 5, Eval: true}
	},
}

// DC2 has a single packed .npy cube per object and a redshift for each annotation.
var DC2 = Layout{
	Name:     "dc2",
	Redshift: true,
	KeyMapper: func(cfg nnet.Config) nnet.KeyMapper {
		return nnet.DC2KeyMapper(cfg.Datasets.DataDir)
	},
	Reader: func(cfg nnet.Config) (img.Reader, error) {
		layout, err := nnet.ParseLayout(cfg.Input.Layout)
		if err != nil {
			return nil, err
		}
		r := img.NewCubeReader(layout, cfg.Normaliser())
		r.Bands = cfg.Input.NumBands
		return r, nil
	},
	Plan: func(cfg nnet.Config) Plan {
		const epoch = 500
		return Plan{Epoch: epoch, EndIter: epoch, Period: epoch / 2}
	},
}

// Runner trains a model on one of the data set layouts.
type Runner struct {
	Args   *Args
	Layout Layout
	// Builders default to the websocket worker client.
	Builders nnet.ModelBuilders
}

// Run is called in each process started by dist.Launch.
func (r *Runner) Run(ctx context.Context, info dist.Info) error {
	nnet.SetupLogger(info.Rank)
	cfg, err := r.Args.Builder(r.Layout.Redshift).Build()
	if err != nil {
		return err
	}
	if info.IsMain() {
		log.Println(cfg)
	}
	if err := os.MkdirAll(cfg.Train.OutputDir, 0755); err != nil {
		return errors.Wrap(err, "error creating output directory")
	}
	plan := r.Layout.Plan(cfg)
	if cfg.Train.MaxIter > 0 {
		plan.EndIter = cfg.Train.MaxIter
	}
	if info.IsMain() {
		log.Printf("%s: epoch=%d iterations=%d period=%d milestones=%v", r.Layout.Name, plan.Epoch, plan.EndIter,
			plan.Period, nnet.Milestones(plan.Epoch, 1, 10, 20, 35))
	}

	reg := nnet.NewRegistry()
	if _, err := reg.Register(cfg.Datasets.Train, cfg.Datasets.TrainFile, cfg.Datasets.Classes); err != nil {
		return err
	}
	if _, err := reg.Register(cfg.Datasets.Test, cfg.Datasets.TestFile, cfg.Datasets.Classes); err != nil {
		return err
	}
	trainRecs, err := reg.Get(cfg.Datasets.Train)
	if err != nil {
		return err
	}
	testRecs, err := reg.Get(cfg.Datasets.Test)
	if err != nil {
		return err
	}

	builders := r.Builders
	if builders == nil {
		builders = worker.Builders(r.Args.Worker)
	}
	model, opt, err := builders.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeModel(model)
	if err := model.To(ctx, info.Device()); err != nil {
		return errors.Wrap(err, "error moving model to device")
	}
	if r.Args.HeadOnly {
		if _, err := nnet.Freeze(ctx, model, cfg.Model.Trainable...); err != nil {
			return err
		}
	}

	seed := nnet.SetSeed(cfg.Train.Seed, info.Rank)
	trainMapper, testMapper, err := r.mappers(cfg, seed)
	if err != nil {
		return err
	}
	batchSize := max(1, cfg.DataLoader.TotalBatchSize/max(1, info.WorldSize))
	loader, err := nnet.NewTrainLoader(trainRecs, trainMapper, batchSize, info.Rank, info.WorldSize, seed)
	if err != nil {
		return errors.Wrap(err, "training set")
	}
	sched, err := nnet.NewSchedule(cfg)
	if err != nil {
		return err
	}
	ckpt := nnet.NewCheckpointer(model, cfg.Train.OutputDir, cfg.Train.RunName, info.Rank)

	var hooks []nnet.Hook
	if plan.Eval {
		testLoader, err := nnet.NewTestLoader(testRecs, testMapper, info.Rank, info.WorldSize)
		if err != nil {
			return errors.Wrap(err, "test set")
		}
		hooks = append(hooks, nnet.NewEvalLossHook(plan.Period, model, testLoader))
	}
	hooks = append(hooks, nnet.NewSchedulerHook(opt, sched), nnet.NewSaveHook(0, ckpt),
		nnet.NewPeriodicWriter(cfg.Train.LogPeriod))
	if r.Args.HTTP != "" && info.IsMain() {
		mon, err := r.monitor(ctx, cfg)
		if err != nil {
			return err
		}
		hooks = append(hooks, mon)
	}

	tr := nnet.NewTrainer(model, loader, opt, cfg, hooks...)
	tr.Rank = info.Rank
	if err := tr.SetPeriod(plan.Period); err != nil {
		return err
	}
	start := 0
	if r.Args.Resume {
		if start, err = ckpt.Resume(ctx); err != nil {
			return err
		}
		if start >= plan.EndIter {
			log.Printf("%s: checkpoint at iteration %d, training to %d already complete", cfg.Train.RunName, start,
				plan.EndIter)
			return nil
		}
		if err := tr.LoadLosses(cfg.Train.OutputDir, cfg.Train.RunName, start); err != nil {
			return err
		}
	}
	if err := tr.Train(ctx, start, plan.EndIter); err != nil {
		return err
	}
	return tr.SaveLosses(cfg.Train.OutputDir, cfg.Train.RunName)
}

// closeModel releases the connection to the model worker, if there is one.
func closeModel(model nnet.Model) {
	if c, ok := model.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Printf("error closing model: %v", err)
		}
	}
}

func (r *Runner) mappers(cfg nnet.Config, seed int64) (train, test nnet.Mapper, err error) {
	reader, err := r.Layout.Reader(cfg)
	if err != nil {
		return nil, nil, err
	}
	keyMapper := r.Layout.KeyMapper(cfg)
	aug, err := transformer(cfg.Input.Augment, seed)
	if err != nil {
		return nil, nil, err
	}
	testAug, err := transformer(cfg.Input.TestAug, seed+1)
	if err != nil {
		return nil, nil, err
	}
	if r.Layout.Redshift {
		return nnet.NewRedshiftDictMapper(reader, keyMapper, aug), nnet.NewRedshiftDictMapper(reader, keyMapper, testAug), nil
	}
	return nnet.NewDictMapper(reader, keyMapper, aug), nnet.NewDictMapper(reader, keyMapper, testAug), nil
}

// nil if no transforms are selected
func transformer(names string, seed int64) (*img.Transformer, error) {
	trans, err := img.ParseTransType(names)
	if err != nil || trans == img.NoTrans {
		return nil, err
	}
	return img.NewTransformer(trans, seed), nil
}

func (r *Runner) monitor(ctx context.Context, cfg nnet.Config) (*web.Monitor, error) {
	var auth *web.AuthMiddleware
	if r.Args.Auth != "" {
		user, pass, err := web.ParseCredentials(r.Args.Auth)
		if err != nil {
			return nil, err
		}
		mw := web.NewAuthMiddleware(user, pass)
		auth = &mw
	}
	return web.Start(ctx, r.Args.HTTP, cfg.Train.RunName, cfg, auth)
}
