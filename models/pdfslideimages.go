package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrUnknownSlideAsset = errors.New("slide asset does not belong to this pdf")

// SlideAsset 是从 pdf 中切出的一页图片，Order 从 1 开始
type SlideAsset struct {
	ImageID          string `gorm:"column:image_id;primaryKey;type:varchar(200)" json:"image_id"`
	PDFSlideImagesID string `gorm:"column:pdf_slide_images_id;type:varchar(64);index" json:"-"`
	ProjectID        string `gorm:"column:project_id;type:varchar(64);index" json:"-"`
	Order            int    `gorm:"column:slide_order" json:"order"`
	Text             string `gorm:"type:text" json:"text"`
}

func (SlideAsset) TableName() string {
	return "slide_assets"
}

type PDFSlideImages struct {
	ID           string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectID    string    `gorm:"column:project_id;type:varchar(64);index" json:"project_id"`
	PDFFile      string    `gorm:"column:pdf_file;type:varchar(200)" json:"pdf_file"`
	Filename     string    `gorm:"type:varchar(255)" json:"filename"`
	PageCount    int       `json:"page_count"`
	Status       Status    `gorm:"type:varchar(20)" json:"status"`
	Error        string    `gorm:"column:error_message;type:text" json:"error,omitempty"`
	DateCreated  time.Time `json:"date_created"`
	DateModified time.Time `json:"date_modified"`

	SlideAssets []SlideAsset `gorm:"-" json:"slide_assets"`
}

func (PDFSlideImages) TableName() string {
	return "pdf_slide_images"
}

func NewPDFSlideImages(projectID, filename string, pageCount int) PDFSlideImages {
	id := uuid.NewString()
	now := time.Now()
	return PDFSlideImages{
		ID:           id,
		ProjectID:    projectID,
		PDFFile:      fmt.Sprintf("pdf/%s.pdf", id),
		Filename:     filename,
		PageCount:    pageCount,
		Status:       StatusCreated,
		DateCreated:  now,
		DateModified: now,
		SlideAssets:  []SlideAsset{},
	}
}

func CreatePDFSlideImages(db *gorm.DB, item *PDFSlideImages) error {
	return db.Create(item).Error
}

func GetPDFSlideImages(db *gorm.DB, projectID, id string) (*PDFSlideImages, error) {
	var item PDFSlideImages
	if err := db.First(&item, "id = ? AND project_id = ?", id, projectID).Error; err != nil {
		return nil, err
	}
	assets, err := listSlideAssets(db, []string{item.ID})
	if err != nil {
		return nil, err
	}
	item.SlideAssets = assets[item.ID]
	if item.SlideAssets == nil {
		item.SlideAssets = []SlideAsset{}
	}
	return &item, nil
}

func ListPDFSlideImages(db *gorm.DB, projectID string) ([]PDFSlideImages, error) {
	items := []PDFSlideImages{}
	if err := db.Where("project_id = ?", projectID).Order("date_created ASC").Find(&items).Error; err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return items, nil
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	assets, err := listSlideAssets(db, ids)
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].SlideAssets = assets[items[i].ID]
		if items[i].SlideAssets == nil {
			items[i].SlideAssets = []SlideAsset{}
		}
	}
	return items, nil
}

func listSlideAssets(db *gorm.DB, pdfIDs []string) (map[string][]SlideAsset, error) {
	var assets []SlideAsset
	if err := db.Where("pdf_slide_images_id IN ?", pdfIDs).Order("slide_order ASC").Find(&assets).Error; err != nil {
		return nil, err
	}
	grouped := make(map[string][]SlideAsset, len(pdfIDs))
	for _, a := range assets {
		grouped[a.PDFSlideImagesID] = append(grouped[a.PDFSlideImagesID], a)
	}
	return grouped, nil
}

func TransitionPDFSlideImages(db *gorm.DB, id string, from []Status, next Status) (bool, error) {
	res := db.Model(&PDFSlideImages{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(map[string]interface{}{
			"status":        next,
			"date_modified": time.Now(),
		})
	return res.RowsAffected == 1, res.Error
}

// CompletePDFSlideImages 在一个事务内写入全部切图、为每张切图创建视频片段并把状态置为 completed。
// 片段的 order 接在项目现有最大 order 之后；读取最大值前先锁住项目行，
// 同一项目的并发切图因此依次分配 order
func CompletePDFSlideImages(db *gorm.DB, id string, assets []SlideAsset) ([]VideoSegment, error) {
	if len(assets) == 0 {
		return nil, errors.New("no slide assets to record")
	}
	var segments []VideoSegment
	err := db.Transaction(func(tx *gorm.DB) error {
		var item PDFSlideImages
		if err := tx.First(&item, "id = ?", id).Error; err != nil {
			return err
		}
		if item.Status != StatusRunning {
			return fmt.Errorf("pdf slide images %s is %s, expected %s", id, item.Status, StatusRunning)
		}
		if err := lockProject(tx, item.ProjectID); err != nil {
			return err
		}

		var maxOrder int
		if err := tx.Model(&VideoSegment{}).
			Where("project_id = ?", item.ProjectID).
			Select("COALESCE(MAX(segment_order), 0)").
			Scan(&maxOrder).Error; err != nil {
			return err
		}

		for i := range assets {
			assets[i].PDFSlideImagesID = item.ID
			assets[i].ProjectID = item.ProjectID
		}
		if err := tx.Create(&assets).Error; err != nil {
			return err
		}

		segments = make([]VideoSegment, 0, len(assets))
		for _, a := range assets {
			segments = append(segments, NewVideoSegment(item.ProjectID, a.ImageID, maxOrder+a.Order))
		}
		if err := tx.Create(&segments).Error; err != nil {
			return err
		}

		return tx.Model(&PDFSlideImages{}).Where("id = ?", item.ID).Updates(map[string]interface{}{
			"status":        StatusCompleted,
			"page_count":    len(assets),
			"error_message": "",
			"date_modified": time.Now(),
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return segments, nil
}

func FailPDFSlideImages(db *gorm.DB, id, message string) error {
	return db.Model(&PDFSlideImages{}).
		Where("id = ? AND status IN ?", id, []Status{StatusCreated, StatusRunning}).
		Updates(map[string]interface{}{
			"status":        StatusFailed,
			"error_message": message,
			"date_modified": time.Now(),
		}).Error
}

// UpdateSlideAssetText 修改某张切图的文字说明
func UpdateSlideAssetText(db *gorm.DB, pdfID, imageID, text string) error {
	res := db.Model(&SlideAsset{}).
		Where("pdf_slide_images_id = ? AND image_id = ?", pdfID, imageID).
		Update("text", text)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := db.Model(&SlideAsset{}).Where("pdf_slide_images_id = ? AND image_id = ?", pdfID, imageID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrUnknownSlideAsset, imageID)
		}
	}
	return nil
}

// ProjectHasImage 判断 imageID 是否被项目的切图或视频片段引用
func ProjectHasImage(db *gorm.DB, projectID, imageID string) (bool, error) {
	var n int64
	if err := db.Model(&SlideAsset{}).Where("project_id = ? AND image_id = ?", projectID, imageID).Count(&n).Error; err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	if err := db.Model(&VideoSegment{}).Where("project_id = ? AND image_id = ?", projectID, imageID).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}
