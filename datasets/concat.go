package datasets

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"

	"github.com/knights-analytics/xglue/backends"
)

// ConcatDataset drains its children one after the other, returning io.EOF
// only when the last child is exhausted. Reset rewinds every child.
type ConcatDataset struct {
	train.Dataset
	children []*ClassificationDataset
	current  int
	verbose  bool
}

func NewConcatDataset(children []*ClassificationDataset) (*ConcatDataset, error) {
	d := &ConcatDataset{children: children}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *ConcatDataset) Validate() error {
	if len(d.children) == 0 {
		return fmt.Errorf("at least one child dataset is required")
	}
	for _, child := range d.children {
		if err := child.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (d *ConcatDataset) Name() string {
	names := make([]string, len(d.children))
	for i, child := range d.children {
		names[i] = child.Name()
	}
	return strings.Join(names, "+")
}

func (d *ConcatDataset) SetVerbose(v bool) {
	d.verbose = v
	for _, child := range d.children {
		child.SetVerbose(v)
	}
}

func (d *ConcatDataset) SetModel(model *backends.Model, runtime string) error {
	for _, child := range d.children {
		if err := child.SetModel(model, runtime); err != nil {
			return err
		}
	}
	return nil
}

func (d *ConcatDataset) NumExamples() int {
	total := 0
	for _, child := range d.children {
		total += child.NumExamples()
	}
	return total
}

func (d *ConcatDataset) Reset() {
	d.current = 0
	for _, child := range d.children {
		child.Reset()
	}
}

func (d *ConcatDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	for d.current < len(d.children) {
		spec, inputs, labels, err = d.children[d.current].Yield()
		if err == nil {
			return spec, inputs, labels, nil
		}
		if err != io.EOF {
			return nil, nil, nil, err
		}
		d.current++
	}
	return nil, nil, nil, io.EOF
}

func (d *ConcatDataset) Close() error {
	var closeErr error
	for _, child := range d.children {
		closeErr = errors.Join(closeErr, child.Close())
	}
	return closeErr
}
