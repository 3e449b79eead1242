package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"slides2video/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// UploadPDF stores a PDF and schedules its ingestion. Input that is not a
// readable PDF is rejected before anything is stored.
func (m *Manager) UploadPDF(ctx context.Context, owner, projectID, filename string, data []byte) (*models.PDFSlideImages, error) {
	p, err := ownedProject(m.db(ctx), owner, projectID)
	if err != nil {
		return nil, err
	}
	if err := acceptsNewWork(p); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, validationf("empty upload")
	}
	pages, err := m.Inspector.PageCount(data)
	if err != nil {
		return nil, validationf("%s is not a readable PDF: %v", filepath.Base(filename), err)
	}

	item := models.NewPDFSlideImages(p.ID, filepath.Base(filename), pages)
	if err := saveBytes(ctx, m.Blobs, item.PDFFile, data); err != nil {
		return nil, fmt.Errorf("store pdf: %w", err)
	}

	task := models.NewTask(p.ID, item.ID, TypePDFSplit, models.TaskParameters{Filename: item.Filename, PageCount: pages})
	err = m.db(ctx).Transaction(func(tx *gorm.DB) error {
		if err := models.CreatePDFSlideImages(tx, &item); err != nil {
			return err
		}
		return models.CreateTask(tx, &task)
	})
	if err != nil {
		return nil, err
	}

	payload := PDFSplitPayload{TaskID: task.ID, ProjectID: p.ID, PDFSlideImagesID: item.ID}
	if err := m.Queue.Enqueue(ctx, TypePDFSplit, payload); err != nil {
		msg := fmt.Sprintf("enqueue failed: %v", err)
		if ferr := models.FailPDFSlideImages(m.db(ctx), item.ID, msg); ferr != nil {
			m.Log.WithError(ferr).Error("标记切图失败出错")
		}
		_ = models.UpdateTaskStatus(m.db(ctx), task.ID, models.StatusFailed, msg)
		return nil, err
	}

	m.Log.WithFields(logrus.Fields{
		"project_id":          p.ID,
		"pdf_slide_images_id": item.ID,
		"pages":               pages,
	}).Info("pdf 已上传，等待切图")
	m.Hub.Publish(p.ID)
	return &item, nil
}

func (m *Manager) GetPDFSlideImages(ctx context.Context, owner, projectID, id string) (*models.PDFSlideImages, error) {
	var item *models.PDFSlideImages
	err := m.db(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := ownedProject(tx, owner, projectID); err != nil {
			return err
		}
		var err error
		item, err = models.GetPDFSlideImages(tx, projectID, id)
		return notFound(err, "pdfslideimages", id)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

type SlideText struct {
	ImageID string
	Text    string
}

type PDFSlideImagesUpdate struct {
	Status      *models.Status
	SlideAssets []SlideText
}

// UpdatePDFSlideImages edits the text of extracted slides. The status belongs
// to the ingestion worker and cannot be changed by clients.
func (m *Manager) UpdatePDFSlideImages(ctx context.Context, owner, projectID, id string, upd PDFSlideImagesUpdate) (*models.PDFSlideImages, error) {
	var item *models.PDFSlideImages
	err := m.db(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := ownedProject(tx, owner, projectID); err != nil {
			return err
		}
		var err error
		if item, err = models.GetPDFSlideImages(tx, projectID, id); err != nil {
			return notFound(err, "pdfslideimages", id)
		}
		if upd.Status != nil && *upd.Status != item.Status {
			return validationf("status of pdfslideimages is managed by ingestion")
		}
		if len(upd.SlideAssets) == 0 {
			return nil
		}
		if item.Status != models.StatusCompleted {
			return conflictf("pdfslideimages %s is %s, slides are not available", id, item.Status)
		}
		for _, st := range upd.SlideAssets {
			if err := models.UpdateSlideAssetText(tx, item.ID, st.ImageID, st.Text); err != nil {
				if errors.Is(err, models.ErrUnknownSlideAsset) {
					return validationf("%v", err)
				}
				return err
			}
		}
		item, err = models.GetPDFSlideImages(tx, projectID, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.Hub.Publish(projectID)
	return item, nil
}
