package volume

import "github.com/vorteil/stripefs/pkg/volerr"

func volerrIO(err error, msg string) error {
	return volerr.Wrap(volerr.KindIO, err, msg)
}

func volerrCorrupt(err error) error {
	return volerr.Wrap(volerr.KindCorrupt, err, "volume: corrupt on-disk structure")
}

func volerrConfigRefused(msg string) error {
	return volerr.New(volerr.KindConfigRefused, msg)
}
