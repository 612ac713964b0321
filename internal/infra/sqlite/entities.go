package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ktstudio/ktstudio/internal/domain"
)

// ─── Projects & Styles ──────────────────────────────────────────────────────

type projectRow struct {
	ID        int64  `db:"id"`
	Code      string `db:"code"`
	Name      string `db:"name"`
	StyleID   int64  `db:"style_id"`
	CreatedAt int64  `db:"created_at"`
}

// CreateProject inserts a project and fills its ID.
func (d *DB) CreateProject(ctx context.Context, p *domain.Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO projects (code, name, style_id, created_at) VALUES (?, ?, ?, ?)`,
		p.Code, p.Name, p.StyleID, unixMilli(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	p.ID, err = res.LastInsertId()
	return err
}

// GetProject retrieves a project by ID.
func (d *DB) GetProject(ctx context.Context, id int64) (*domain.Project, error) {
	var row projectRow
	if err := d.db.GetContext(ctx, &row, `SELECT * FROM projects WHERE id = ?`, id); err != nil {
		return nil, notFound(err, "project", id)
	}
	return &domain.Project{
		ID: row.ID, Code: row.Code, Name: row.Name, StyleID: row.StyleID,
		CreatedAt: time.UnixMilli(row.CreatedAt),
	}, nil
}

// ListProjects returns all projects, oldest first.
func (d *DB) ListProjects(ctx context.Context) ([]domain.Project, error) {
	var rows []projectRow
	if err := d.db.SelectContext(ctx, &rows, `SELECT * FROM projects ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	out := make([]domain.Project, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Project{
			ID: r.ID, Code: r.Code, Name: r.Name, StyleID: r.StyleID,
			CreatedAt: time.UnixMilli(r.CreatedAt),
		})
	}
	return out, nil
}

// CreateStyle inserts a style preset and fills its ID.
func (d *DB) CreateStyle(ctx context.Context, s *domain.StylePreset) error {
	res, err := d.db.NamedExecContext(ctx,
		`INSERT INTO style_presets (name, engine_hint, style_pos, style_neg, llm_style_guard)
		 VALUES (:name, :engine_hint, :style_pos, :style_neg, :llm_style_guard)`,
		map[string]any{
			"name": s.Name, "engine_hint": s.EngineHint,
			"style_pos": s.StylePos, "style_neg": s.StyleNeg, "llm_style_guard": s.LLMStyleGuard,
		})
	if err != nil {
		return fmt.Errorf("insert style: %w", err)
	}
	s.ID, err = res.LastInsertId()
	return err
}

// ProjectStyle returns the project's style preset, or nil when it has none.
func (d *DB) ProjectStyle(ctx context.Context, projectID int64) (*domain.StylePreset, error) {
	var s struct {
		ID            int64  `db:"id"`
		Name          string `db:"name"`
		EngineHint    string `db:"engine_hint"`
		StylePos      string `db:"style_pos"`
		StyleNeg      string `db:"style_neg"`
		LLMStyleGuard string `db:"llm_style_guard"`
	}
	err := d.db.GetContext(ctx, &s,
		`SELECT s.* FROM style_presets s JOIN projects p ON p.style_id = s.id WHERE p.id = ?`, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project style: %w", err)
	}
	return &domain.StylePreset{
		ID: s.ID, Name: s.Name, EngineHint: s.EngineHint,
		StylePos: s.StylePos, StyleNeg: s.StyleNeg, LLMStyleGuard: s.LLMStyleGuard,
	}, nil
}

// ─── Characters ─────────────────────────────────────────────────────────────

type characterRow struct {
	ID            int64  `db:"id"`
	ProjectID     int64  `db:"project_id"`
	Name          string `db:"name"`
	Sex           string `db:"sex"`
	Mark          string `db:"mark"`
	Description   string `db:"description"`
	PromptPos     string `db:"prompt_pos"`
	PromptNeg     string `db:"prompt_neg"`
	BaseImagePath string `db:"base_image_path"`
	Views         string `db:"views"`
	Status        string `db:"status"`
	UpdatedAt     int64  `db:"updated_at"`
}

func (r characterRow) toCharacter() (domain.Character, error) {
	c := domain.Character{
		ID: r.ID, ProjectID: r.ProjectID, Name: r.Name, Sex: r.Sex, Mark: r.Mark,
		Desc: r.Description, PromptPos: r.PromptPos, PromptNeg: r.PromptNeg,
		BaseImagePath: r.BaseImagePath, Status: domain.CharacterStatus(r.Status),
		UpdatedAt: time.UnixMilli(r.UpdatedAt),
	}
	if r.Views != "" {
		if err := json.Unmarshal([]byte(r.Views), &c.Views); err != nil {
			return c, fmt.Errorf("character %d views: %w", r.ID, err)
		}
	}
	if c.Views == nil {
		c.Views = map[string]string{}
	}
	return c, nil
}

func characterArgs(c *domain.Character) (map[string]any, error) {
	views := c.Views
	if views == nil {
		views = map[string]string{}
	}
	data, err := json.Marshal(views)
	if err != nil {
		return nil, err
	}
	if c.Status == "" {
		c.Status = domain.CharacterDraft
	}
	c.UpdatedAt = time.Now()
	return map[string]any{
		"id": c.ID, "project_id": c.ProjectID, "name": c.Name, "sex": c.Sex, "mark": c.Mark,
		"description": c.Desc, "prompt_pos": c.PromptPos, "prompt_neg": c.PromptNeg,
		"base_image_path": c.BaseImagePath, "views": string(data), "status": string(c.Status),
		"updated_at": unixMilli(c.UpdatedAt),
	}, nil
}

// CreateCharacter inserts a character and fills its ID.
func (d *DB) CreateCharacter(ctx context.Context, c *domain.Character) error {
	args, err := characterArgs(c)
	if err != nil {
		return fmt.Errorf("encode character: %w", err)
	}
	res, err := d.db.NamedExecContext(ctx,
		`INSERT INTO characters (project_id, name, sex, mark, description, prompt_pos, prompt_neg,
		   base_image_path, views, status, updated_at)
		 VALUES (:project_id, :name, :sex, :mark, :description, :prompt_pos, :prompt_neg,
		   :base_image_path, :views, :status, :updated_at)`, args)
	if err != nil {
		return fmt.Errorf("insert character: %w", err)
	}
	c.ID, err = res.LastInsertId()
	return err
}

// UpdateCharacter overwrites every mutable character column.
func (d *DB) UpdateCharacter(ctx context.Context, c *domain.Character) error {
	args, err := characterArgs(c)
	if err != nil {
		return fmt.Errorf("encode character: %w", err)
	}
	res, err := d.db.NamedExecContext(ctx,
		`UPDATE characters SET name = :name, sex = :sex, mark = :mark, description = :description,
		   prompt_pos = :prompt_pos, prompt_neg = :prompt_neg, base_image_path = :base_image_path,
		   views = :views, status = :status, updated_at = :updated_at
		 WHERE id = :id`, args)
	return mustAffect(res, err, "character", c.ID)
}

// GetCharacter retrieves a character by ID.
func (d *DB) GetCharacter(ctx context.Context, id int64) (*domain.Character, error) {
	var row characterRow
	if err := d.db.GetContext(ctx, &row, `SELECT * FROM characters WHERE id = ?`, id); err != nil {
		return nil, notFound(err, "character", id)
	}
	c, err := row.toCharacter()
	return &c, err
}

// ListCharacters returns a project's characters ordered by ID.
func (d *DB) ListCharacters(ctx context.Context, projectID int64) ([]domain.Character, error) {
	var rows []characterRow
	if err := d.db.SelectContext(ctx, &rows,
		`SELECT * FROM characters WHERE project_id = ? ORDER BY id`, projectID); err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	return toCharacters(rows)
}

// SetCharacterStatus updates only the coarse status.
func (d *DB) SetCharacterStatus(ctx context.Context, id int64, status domain.CharacterStatus) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE characters SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), unixMilli(time.Now()), id)
	return mustAffect(res, err, "character", id)
}

// SetCharacterView records one generated view without touching other columns,
// so views downloaded mid-job survive a later failure.
func (d *DB) SetCharacterView(ctx context.Context, id int64, view, path string) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE characters SET views = json_set(COALESCE(NULLIF(views, ''), '{}'), '$.' || ?, ?), updated_at = ?
		 WHERE id = ?`,
		view, path, unixMilli(time.Now()), id)
	return mustAffect(res, err, "character", id)
}

func toCharacters(rows []characterRow) ([]domain.Character, error) {
	out := make([]domain.Character, 0, len(rows))
	for _, r := range rows {
		c, err := r.toCharacter()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// ─── Scenes ─────────────────────────────────────────────────────────────────

type sceneRow struct {
	ID              int64  `db:"id"`
	ProjectID       int64  `db:"project_id"`
	Name            string `db:"name"`
	SceneType       string `db:"scene_type"`
	Episode         int    `db:"episode"`
	Shot            int    `db:"shot"`
	BaseDesc        string `db:"base_desc"`
	SceneDesc       string `db:"scene_desc"`
	PromptPos       string `db:"prompt_pos"`
	PromptNeg       string `db:"prompt_neg"`
	BaseImagePath   string `db:"base_image_path"`
	MergedImagePath string `db:"merged_image_path"`
	FinalImagePath  string `db:"final_image_path"`
	CompositeSteps  string `db:"composite_steps"`
	VideoContext    string `db:"video_context"`
	Status          string `db:"status"`
	UpdatedAt       int64  `db:"updated_at"`
}

func (r sceneRow) toScene() (domain.Scene, error) {
	s := domain.Scene{
		ID: r.ID, ProjectID: r.ProjectID, Name: r.Name, SceneType: r.SceneType,
		Episode: r.Episode, Shot: r.Shot, BaseDesc: r.BaseDesc, SceneDesc: r.SceneDesc,
		PromptPos: r.PromptPos, PromptNeg: r.PromptNeg, BaseImagePath: r.BaseImagePath,
		MergedImagePath: r.MergedImagePath, FinalImagePath: r.FinalImagePath,
		Status: domain.SceneStatus(r.Status), UpdatedAt: time.UnixMilli(r.UpdatedAt),
	}
	if r.CompositeSteps != "" {
		if err := json.Unmarshal([]byte(r.CompositeSteps), &s.CompositeSteps); err != nil {
			return s, fmt.Errorf("scene %d composite steps: %w", r.ID, err)
		}
	}
	if r.VideoContext != "" {
		s.VideoContext = &domain.VideoContext{}
		if err := json.Unmarshal([]byte(r.VideoContext), s.VideoContext); err != nil {
			return s, fmt.Errorf("scene %d video context: %w", r.ID, err)
		}
	}
	return s, nil
}

func sceneArgs(s *domain.Scene) (map[string]any, error) {
	steps := s.CompositeSteps
	if steps == nil {
		steps = []domain.CompositeStep{}
	}
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return nil, err
	}
	var videoCtx string
	if s.VideoContext != nil {
		data, err := json.Marshal(s.VideoContext)
		if err != nil {
			return nil, err
		}
		videoCtx = string(data)
	}
	if s.Status == "" {
		s.Status = domain.SceneDraft
	}
	s.UpdatedAt = time.Now()
	return map[string]any{
		"id": s.ID, "project_id": s.ProjectID, "name": s.Name, "scene_type": s.SceneType,
		"episode": s.Episode, "shot": s.Shot, "base_desc": s.BaseDesc, "scene_desc": s.SceneDesc,
		"prompt_pos": s.PromptPos, "prompt_neg": s.PromptNeg, "base_image_path": s.BaseImagePath,
		"merged_image_path": s.MergedImagePath, "final_image_path": s.FinalImagePath,
		"composite_steps": string(stepsJSON), "video_context": videoCtx,
		"status": string(s.Status), "updated_at": unixMilli(s.UpdatedAt),
	}, nil
}

// CreateScene inserts a scene with its character roster and fills its ID.
func (d *DB) CreateScene(ctx context.Context, s *domain.Scene) error {
	args, err := sceneArgs(s)
	if err != nil {
		return fmt.Errorf("encode scene: %w", err)
	}
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.NamedExecContext(ctx,
		`INSERT INTO scenes (project_id, name, scene_type, episode, shot, base_desc, scene_desc,
		   prompt_pos, prompt_neg, base_image_path, merged_image_path, final_image_path,
		   composite_steps, video_context, status, updated_at)
		 VALUES (:project_id, :name, :scene_type, :episode, :shot, :base_desc, :scene_desc,
		   :prompt_pos, :prompt_neg, :base_image_path, :merged_image_path, :final_image_path,
		   :composite_steps, :video_context, :status, :updated_at)`, args)
	if err != nil {
		return fmt.Errorf("insert scene: %w", err)
	}
	if s.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	for i, cid := range s.CharacterIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO scene_characters (scene_id, character_id, position) VALUES (?, ?, ?)`,
			s.ID, cid, i); err != nil {
			return fmt.Errorf("link scene character: %w", err)
		}
	}
	return tx.Commit()
}

// UpdateScene overwrites every mutable scene column. The character roster is
// left untouched.
func (d *DB) UpdateScene(ctx context.Context, s *domain.Scene) error {
	args, err := sceneArgs(s)
	if err != nil {
		return fmt.Errorf("encode scene: %w", err)
	}
	res, err := d.db.NamedExecContext(ctx,
		`UPDATE scenes SET name = :name, scene_type = :scene_type, episode = :episode, shot = :shot,
		   base_desc = :base_desc, scene_desc = :scene_desc, prompt_pos = :prompt_pos,
		   prompt_neg = :prompt_neg, base_image_path = :base_image_path,
		   merged_image_path = :merged_image_path, final_image_path = :final_image_path,
		   composite_steps = :composite_steps, video_context = :video_context,
		   status = :status, updated_at = :updated_at
		 WHERE id = :id`, args)
	return mustAffect(res, err, "scene", s.ID)
}

// GetScene retrieves a scene by ID, including its character roster.
func (d *DB) GetScene(ctx context.Context, id int64) (*domain.Scene, error) {
	var row sceneRow
	if err := d.db.GetContext(ctx, &row, `SELECT * FROM scenes WHERE id = ?`, id); err != nil {
		return nil, notFound(err, "scene", id)
	}
	s, err := row.toScene()
	if err != nil {
		return nil, err
	}
	if err := d.db.SelectContext(ctx, &s.CharacterIDs,
		`SELECT character_id FROM scene_characters WHERE scene_id = ? ORDER BY position, character_id`, id); err != nil {
		return nil, fmt.Errorf("scene roster: %w", err)
	}
	return &s, nil
}

// ListScenes returns a project's scenes by episode and shot.
func (d *DB) ListScenes(ctx context.Context, projectID int64) ([]domain.Scene, error) {
	var ids []int64
	if err := d.db.SelectContext(ctx, &ids,
		`SELECT id FROM scenes WHERE project_id = ? ORDER BY episode, shot, id`, projectID); err != nil {
		return nil, fmt.Errorf("list scenes: %w", err)
	}
	out := make([]domain.Scene, 0, len(ids))
	for _, id := range ids {
		s, err := d.GetScene(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, nil
}

// SetSceneStatus updates only the coarse status.
func (d *DB) SetSceneStatus(ctx context.Context, id int64, status domain.SceneStatus) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE scenes SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), unixMilli(time.Now()), id)
	return mustAffect(res, err, "scene", id)
}

// SceneCharacters returns the scene's roster in position order.
func (d *DB) SceneCharacters(ctx context.Context, sceneID int64) ([]domain.Character, error) {
	var rows []characterRow
	if err := d.db.SelectContext(ctx, &rows,
		`SELECT c.* FROM characters c JOIN scene_characters sc ON sc.character_id = c.id
		 WHERE sc.scene_id = ? ORDER BY sc.position, c.id`, sceneID); err != nil {
		return nil, fmt.Errorf("scene characters: %w", err)
	}
	return toCharacters(rows)
}

// ─── Videos ─────────────────────────────────────────────────────────────────

type videoRow struct {
	ID        int64  `db:"id"`
	ProjectID int64  `db:"project_id"`
	SceneID   int64  `db:"scene_id"`
	PromptPos string `db:"prompt_pos"`
	PromptNeg string `db:"prompt_neg"`
	VideoPath string `db:"video_path"`
	Status    string `db:"status"`
	UpdatedAt int64  `db:"updated_at"`
}

// CreateVideo inserts a video and fills its ID.
func (d *DB) CreateVideo(ctx context.Context, v *domain.Video) error {
	if v.Status == "" {
		v.Status = domain.VideoDraft
	}
	v.UpdatedAt = time.Now()
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO videos (project_id, scene_id, prompt_pos, prompt_neg, video_path, status, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.ProjectID, v.SceneID, v.PromptPos, v.PromptNeg, v.VideoPath, string(v.Status), unixMilli(v.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert video: %w", err)
	}
	v.ID, err = res.LastInsertId()
	return err
}

// GetVideo retrieves a video by ID.
func (d *DB) GetVideo(ctx context.Context, id int64) (*domain.Video, error) {
	var r videoRow
	if err := d.db.GetContext(ctx, &r, `SELECT * FROM videos WHERE id = ?`, id); err != nil {
		return nil, notFound(err, "video", id)
	}
	return &domain.Video{
		ID: r.ID, ProjectID: r.ProjectID, SceneID: r.SceneID, PromptPos: r.PromptPos,
		PromptNeg: r.PromptNeg, VideoPath: r.VideoPath, Status: domain.VideoStatus(r.Status),
		UpdatedAt: time.UnixMilli(r.UpdatedAt),
	}, nil
}

// UpdateVideo overwrites every mutable video column.
func (d *DB) UpdateVideo(ctx context.Context, v *domain.Video) error {
	v.UpdatedAt = time.Now()
	res, err := d.db.ExecContext(ctx,
		`UPDATE videos SET prompt_pos = ?, prompt_neg = ?, video_path = ?, status = ?, updated_at = ?
		 WHERE id = ?`,
		v.PromptPos, v.PromptNeg, v.VideoPath, string(v.Status), unixMilli(v.UpdatedAt), v.ID)
	return mustAffect(res, err, "video", v.ID)
}

// SetVideoStatus updates only the coarse status.
func (d *DB) SetVideoStatus(ctx context.Context, id int64, status domain.VideoStatus) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE videos SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), unixMilli(time.Now()), id)
	return mustAffect(res, err, "video", id)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func notFound(err error, entity string, id int64) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", entity, id, domain.ErrEntityNotFound)
	}
	return fmt.Errorf("get %s %d: %w", entity, id, err)
}

func mustAffect(res sql.Result, err error, entity string, id int64) error {
	ok, err := applied(res, err)
	if err != nil {
		return fmt.Errorf("update %s %d: %w", entity, id, err)
	}
	if !ok {
		return fmt.Errorf("%s %d: %w", entity, id, domain.ErrEntityNotFound)
	}
	return nil
}
