package service

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// PDFInspector checks an upload before any worker sees it.
type PDFInspector interface {
	PageCount(data []byte) (int, error)
}

type PdfcpuInspector struct {
	conf *model.Configuration
}

var disableConfigDir sync.Once

func NewPdfcpuInspector() *PdfcpuInspector {
	// pdfcpu writes a config dir under $HOME unless told otherwise
	disableConfigDir.Do(api.DisableConfigDir)
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &PdfcpuInspector{conf: conf}
}

func (i *PdfcpuInspector) PageCount(data []byte) (int, error) {
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return 0, fmt.Errorf("missing %%PDF- header")
	}
	n, err := api.PageCount(bytes.NewReader(data), i.conf)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("document has no pages")
	}
	return n, nil
}
