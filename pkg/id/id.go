package id

import (
	"time"

	shortid "github.com/teris-io/shortid"
)

// Generator issues short unique identifiers for sources, items and jobs
type Generator struct {
	sid *shortid.Shortid
}

func NewGenerator() (*Generator, error) {
	sid, err := shortid.New(1, shortid.DefaultABC, uint64(time.Now().UnixNano()))
	if err != nil {
		return nil, err
	}

	return &Generator{sid}, nil
}

func (g *Generator) Generate() (string, error) {
	return g.sid.Generate()
}
