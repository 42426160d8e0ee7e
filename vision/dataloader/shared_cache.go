package dataloader

import "fmt"

// NewSplitLoaders creates the train and validation loaders over one shared
// frame cache. Only the train loader shuffles. When cfg.CacheSize is zero
// the cache is sized to hold every frame of both splits.
func NewSplitLoaders(train, val Dataset, cfg Config) (*DataLoader, *DataLoader, error) {
	cache := cfg.Cache
	if cache == nil {
		size := cfg.CacheSize
		if size == 0 {
			size = (train.Len() + val.Len()) * cfg.Frames
		}
		cache = NewFrameCache(size)
	}

	trainCfg := cfg
	trainCfg.Cache = cache
	trainCfg.Shuffle = true
	trainLoader, err := NewDataLoader(train, trainCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("train loader: %w", err)
	}

	valCfg := cfg
	valCfg.Cache = cache
	valCfg.Shuffle = false
	valLoader, err := NewDataLoader(val, valCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("val loader: %w", err)
	}
	return trainLoader, valLoader, nil
}
