package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/noah-isme/tagrader/internal/config"
	"github.com/noah-isme/tagrader/internal/database"
	"github.com/noah-isme/tagrader/internal/models"
	"github.com/noah-isme/tagrader/internal/repository"
	"github.com/noah-isme/tagrader/internal/service"
	"github.com/noah-isme/tagrader/internal/session"
	"github.com/noah-isme/tagrader/internal/ui"
	"github.com/noah-isme/tagrader/pkg/locking"
	"github.com/noah-isme/tagrader/pkg/runner"
	"github.com/noah-isme/tagrader/pkg/sandbox"
	"github.com/noah-isme/tagrader/pkg/zyserver"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage: tagrader <command> [flags]

commands:
  import      load roster record files into the store
  export      write the stored roster back to record files
  grade       grade one student's lab interactively
  pull        merge platform completion grades into the gradebook
  unmatched   report students the reconciler could not match
  mercy       apply the midterm mercy policy
  attendance  score participation from a classes-missed column
  gaps        report assignments with missing scores
  search      search all submissions of a lab part for a pattern
  high-scorers  list students at or above a threshold on report columns
  sections    list class sections
  locks       list or clear lock markers`)
	os.Exit(2)
}

type app struct {
	cfg      config.Config
	logger   zerolog.Logger
	prompter ui.Prompter
	sess     *session.Session

	students repository.StudentRepository
	labs     repository.LabRepository
	sections repository.SectionRepository
	importer *repository.Importer

	locks       service.LockService
	client      *zyserver.Client
	retry       zyserver.RetryPolicy
	submissions service.SubmissionService
	books       service.GradebookService
	puller      service.PullService
	reports     service.ReportService
	search      service.SearchService
	runner      *runner.Runner
	sandbox     *sandbox.Executor
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	db, err := database.Connect(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	if err := db.AutoMigrate(&models.Student{}, &models.Lab{}, &models.ClassSection{}, &models.TA{}); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	var backend locking.Backend
	switch cfg.LockBackend {
	case "redis":
		redisClient, err := database.ConnectRedis(cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
		backend = locking.NewRedisBackend(redisClient)
	default:
		backend, err = locking.NewFileBackend(cfg.LocksDir())
		if err != nil {
			log.Fatalf("failed to prepare lock directory: %v", err)
		}
	}

	audit, err := locking.NewAuditLog(cfg.AuditLogPath())
	if err != nil {
		log.Fatalf("failed to prepare audit log: %v", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	sess := session.New(cfg.GraderNetID)

	students := repository.NewCachedStudentRepository(repository.NewStudentRepository(db))
	labs := repository.NewCachedLabRepository(repository.NewLabRepository(db))
	sections := repository.NewCachedSectionRepository(repository.NewSectionRepository(db))
	tas := repository.NewTARepository(db)

	client := zyserver.New(cfg.PlatformBaseURL, cfg.ClassCode, logger)
	retry := zyserver.RetryPolicy{MaxAttempts: cfg.RetryAttempts, Backoff: cfg.RetryBackoff}
	books := service.NewGradebookService(logger)
	reconciler := service.NewReconcileService(logger)

	a := &app{
		cfg:      cfg,
		logger:   logger,
		prompter: ui.NewStdio(os.Stdin, os.Stdout),
		sess:     sess,
		students: students,
		labs:     labs,
		sections: sections,
		importer: repository.NewImporter(students, labs, sections, tas, validate, logger),
		locks: service.NewLockService(backend, audit, sess,
			cfg.RecentLockGrades, cfg.RecentLockEmails, logger),
		client:      client,
		retry:       retry,
		submissions: service.NewSubmissionService(client, retry, logger),
		books:       books,
		puller:      service.NewPullService(client, retry, books, reconciler, cfg.GradebookFile(), logger),
		reports:     service.NewReportService(logger),
		search:      service.NewSearchService(client, retry, logger),
		runner:      runner.New("", logger),
	}

	ctx := context.Background()
	args := os.Args[2:]

	switch os.Args[1] {
	case "import":
		err = a.cmdImport(ctx)
	case "export":
		err = a.cmdExport(ctx)
	case "grade":
		err = a.cmdGrade(ctx)
	case "pull":
		err = a.cmdPull(ctx, args, true)
	case "unmatched":
		err = a.cmdPull(ctx, args, false)
	case "mercy":
		err = a.cmdMercy(args)
	case "attendance":
		err = a.cmdAttendance(args)
	case "gaps":
		err = a.cmdGaps(args)
	case "search":
		err = a.cmdSearch(ctx, args)
	case "high-scorers":
		err = a.cmdHighScorers(ctx, args)
	case "sections":
		err = a.cmdSections(ctx)
	case "locks":
		err = a.cmdLocks(ctx, args)
	default:
		usage()
	}

	if err != nil {
		if errors.Is(err, service.ErrStopped) {
			fmt.Fprintf(os.Stderr, "stopped: %v\n", err)
			fmt.Fprintln(os.Stderr, "download the gradebook export to", cfg.GradebookFile(), "and retry")
			os.Exit(1)
		}
		log.Fatalf("%s: %v", os.Args[1], err)
	}
}

// authenticate prompts for platform credentials; they are never stored.
func (a *app) authenticate(ctx context.Context) error {
	email, ok := a.prompter.Input("platform email: ")
	if !ok {
		return fmt.Errorf("authentication canceled")
	}
	password, ok := a.prompter.Input("platform password: ")
	if !ok {
		return fmt.Errorf("authentication canceled")
	}
	return a.retry.Do(ctx, func() error {
		return a.client.Authenticate(ctx, email, password)
	})
}

func (a *app) cmdImport(ctx context.Context) error {
	if err := os.MkdirAll(a.cfg.DataDir(), 0o775); err != nil {
		return err
	}

	imports := []struct {
		name string
		path string
		fn   func(context.Context, string) (int, error)
	}{
		{"students", a.cfg.StudentsFile(), a.importer.ImportStudents},
		{"labs", a.cfg.LabsFile(), a.importer.ImportLabs},
		{"sections", a.cfg.SectionsFile(), a.importer.ImportSections},
		{"tas", a.cfg.TAsFile(), a.importer.ImportTAs},
	}
	for _, imp := range imports {
		if _, err := os.Stat(imp.path); os.IsNotExist(err) {
			a.prompter.Present(fmt.Sprintf("%s: no record file at %s, skipped", imp.name, imp.path))
			continue
		}
		n, err := imp.fn(ctx, imp.path)
		if err != nil {
			return err
		}
		a.prompter.Present(fmt.Sprintf("%s: imported %d records", imp.name, n))
	}
	return nil
}

func (a *app) cmdExport(ctx context.Context) error {
	if err := os.MkdirAll(a.cfg.DataDir(), 0o775); err != nil {
		return err
	}

	exports := []struct {
		name string
		path string
		fn   func(context.Context, string) (int, error)
	}{
		{"students", a.cfg.StudentsFile(), a.importer.ExportStudents},
		{"labs", a.cfg.LabsFile(), a.importer.ExportLabs},
		{"sections", a.cfg.SectionsFile(), a.importer.ExportSections},
		{"tas", a.cfg.TAsFile(), a.importer.ExportTAs},
	}
	for _, exp := range exports {
		n, err := exp.fn(ctx, exp.path)
		if err != nil {
			return err
		}
		a.prompter.Present(fmt.Sprintf("%s: wrote %d records to %s", exp.name, n, exp.path))
	}
	return nil
}

func (a *app) cmdGrade(ctx context.Context) error {
	if err := a.authenticate(ctx); err != nil {
		return err
	}

	labList, err := a.labs.List(ctx)
	if err != nil {
		return err
	}
	if len(labList) == 0 {
		return fmt.Errorf("no labs in the store; run import first")
	}
	labNames := make([]string, len(labList))
	for i, lab := range labList {
		labNames[i] = lab.Name
	}
	labIndex, ok := a.prompter.Select("Choose a lab:", labNames)
	if !ok {
		return nil
	}
	lab := labList[labIndex]

	studentList, err := a.students.List(ctx)
	if err != nil {
		return err
	}
	studentNames := make([]string, len(studentList))
	for i, student := range studentList {
		studentNames[i] = student.String()
	}
	studentIndex, ok := a.prompter.Select("Choose a student:", studentNames)
	if !ok {
		return nil
	}
	student := studentList[studentIndex]

	if holder, err := a.locks.LockedBy(ctx, student, &lab); err != nil {
		return err
	} else if holder != "" && holder != a.sess.Grader() {
		a.prompter.Present(fmt.Sprintf("%s is currently being graded by %s", student.FullName(), holder))
		return nil
	}

	if rec, found, err := a.locks.RecentlyGraded(ctx, student, &lab); err != nil {
		return err
	} else if found {
		warning := fmt.Sprintf("%s was graded by %s at %s",
			student.FullName(), rec.Grader, rec.Time.Format(time.Kitchen))
		if !a.prompter.Confirm(warning + ". Grade anyway?") {
			return nil
		}
	}

	return a.locks.WithLock(ctx, student, &lab, func() error {
		sub, err := a.submissions.Assemble(ctx, student, lab)
		if err != nil {
			return err
		}
		a.prompter.Present(sub.Lines...)
		for _, block := range sub.TestResults {
			a.prompter.Present(block.Header)
			for _, test := range block.Tests {
				a.prompter.Present(fmt.Sprintf("  %s: %g/%g", test.Name, test.Score, test.MaxScore))
			}
		}

		if sub.Flags.Has(models.FlagDiffParts) && len(sub.Parts) >= 2 && a.prompter.Confirm("Diff the first two parts?") {
			diff, err := a.submissions.Diff(sub, 0, 1)
			if err != nil {
				return err
			}
			a.prompter.Present(diff)
		}

		if a.prompter.Confirm("Compile and run?") {
			if err := a.runSubmission(ctx, sub); err != nil {
				return err
			}
		}
		return nil
	})
}

// runSubmission compiles one part's sources and either runs them locally,
// handing the terminal to the student's program, or inside the sandbox.
func (a *app) runSubmission(ctx context.Context, sub *models.Submission) error {
	names := make([]string, len(sub.Parts))
	for i, part := range sub.Parts {
		names[i] = part.Part.Identifier()
	}
	partIndex, ok := a.prompter.Select("Choose a part to run:", names)
	if !ok {
		return nil
	}
	srcDir := filepath.Join(sub.Workspace, sub.Parts[partIndex].Part.Identifier())

	if a.prompter.Confirm("Run sandboxed (no terminal interaction)?") {
		return a.runSandboxed(ctx, sub, srcDir)
	}
	executable, stderr, err := a.runner.Compile(ctx, srcDir)
	if err != nil {
		if errors.Is(err, runner.ErrCompileFailed) {
			sub.CompileStderr = stderr
			a.prompter.Present("Compile failed:", stderr)
			return nil
		}
		return err
	}

	proc, err := a.runner.Start(executable, a.prompter.Confirm("Run under gdb?"))
	if err != nil {
		return err
	}
	if err := a.sess.Track(proc); err != nil {
		_ = proc.Kill()
		return err
	}
	defer a.sess.Clear()

	paused, err := proc.Wait(ctx, func() bool { return true })
	if err != nil {
		return err
	}
	if paused {
		a.prompter.Present("program left paused")
	}
	return nil
}

func (a *app) runSandboxed(ctx context.Context, sub *models.Submission, srcDir string) error {
	if a.sandbox == nil {
		executor, err := sandbox.New(sandbox.Config{
			Host:          a.cfg.DockerHost,
			Image:         a.cfg.SandboxImage,
			Timeout:       a.cfg.ExecutionTimeout,
			MemoryLimitMB: int64(a.cfg.CodeRunMemoryMB),
			CPUShares:     int64(a.cfg.CodeRunCPUShares),
			Logger:        a.logger,
		})
		if err != nil {
			return err
		}
		a.sandbox = executor
	}

	result, err := a.sandbox.CompileAndRun(ctx, srcDir)
	if err != nil {
		if result.TimedOut {
			a.prompter.Present(fmt.Sprintf("run timed out after %s", result.Duration.Round(time.Millisecond)))
			return nil
		}
		return err
	}

	if result.Stderr != "" {
		sub.CompileStderr = result.Stderr
	}
	a.prompter.Present(
		fmt.Sprintf("exit %d in %s", result.ExitCode, result.Duration.Round(time.Millisecond)),
		result.Stdout,
	)
	if result.Stderr != "" {
		a.prompter.Present("stderr:", result.Stderr)
	}
	return nil
}

func (a *app) cmdPull(ctx context.Context, args []string, writeUpload bool) error {
	fs := flag.NewFlagSet("pull", flag.ExitOnError)
	assignment := fs.String("assignment", "", "gradebook assignment column to fill")
	day := fs.String("date", "", "due date (YYYY-MM-DD)")
	sectionArg := fs.String("sections", "", "comma-separated class section numbers")
	platformSections := fs.String("platform-sections", "", "comma-separated platform section ids")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *assignment == "" || *day == "" {
		return fmt.Errorf("-assignment and -date are required")
	}
	parsedDay, err := time.ParseInLocation("2006-01-02", *day, time.Local)
	if err != nil {
		return fmt.Errorf("invalid date: %w", err)
	}

	involved, err := a.pickSections(ctx, *sectionArg)
	if err != nil {
		return err
	}

	if err := a.authenticate(ctx); err != nil {
		return err
	}

	req := service.PullRequest{
		Assignment:         *assignment,
		Day:                parsedDay,
		Sections:           involved,
		PlatformSectionIDs: splitList(*platformSections),
		UnmatchedPath:      filepath.Join(a.cfg.OutputDir, "unmatched_students.csv"),
	}
	if writeUpload {
		req.UploadPath = filepath.Join(a.cfg.OutputDir, "gradebook_upload.csv")
	}

	summary, err := a.puller.Pull(ctx, req)
	if err != nil {
		return err
	}

	a.prompter.Present(
		fmt.Sprintf("matched %d, zeroed %d", summary.Matched, summary.Zeroed),
		fmt.Sprintf("unmatched platform rows: %d", len(summary.UnmatchedReport)),
		fmt.Sprintf("unmatched gradebook rows: %d", len(summary.UnmatchedBook)),
	)
	if writeUpload {
		a.prompter.Present("upload file written to " + req.UploadPath)
	}
	a.prompter.Present("unmatched report written to " + req.UnmatchedPath)
	return nil
}

func (a *app) cmdMercy(args []string) error {
	fs := flag.NewFlagSet("mercy", flag.ExitOnError)
	finalArg := fs.String("final", "", "comma-separated final exam columns")
	midtermArg := fs.String("midterms", "", `midterm groups, "Name=colA|colB;Name2=colC"`)
	if err := fs.Parse(args); err != nil {
		return err
	}
	finalGroup := splitList(*finalArg)
	midtermGroups := map[string][]string{}
	for _, group := range strings.Split(*midtermArg, ";") {
		name, cols, ok := strings.Cut(group, "=")
		if !ok {
			continue
		}
		midtermGroups[name] = strings.Split(cols, "|")
	}
	if len(finalGroup) == 0 || len(midtermGroups) == 0 {
		return fmt.Errorf("-final and -midterms are required")
	}

	book, err := a.books.Load(a.cfg.GradebookFile())
	if err != nil {
		return err
	}

	changes := a.books.ApplyMidtermMercy(book, midtermGroups, finalGroup)
	for _, change := range changes {
		a.prompter.Present(fmt.Sprintf("%s: %s %.1f%% -> %.1f%%",
			change.RowID, change.Group, change.From*100, change.To*100))
	}
	a.prompter.Present(fmt.Sprintf("%d students received mercy", len(changes)))

	var columns []string
	for _, group := range midtermGroups {
		columns = append(columns, group...)
	}
	out := filepath.Join(a.cfg.OutputDir, "mercy_upload.csv")
	if err := a.books.WriteUploadFile(out, book, columns, nil); err != nil {
		return err
	}
	a.prompter.Present("upload file written to " + out)
	return nil
}

func (a *app) cmdAttendance(args []string) error {
	fs := flag.NewFlagSet("attendance", flag.ExitOnError)
	missed := fs.String("missed", "", "classes-missed column header")
	target := fs.String("target", "", "participation column header to fill")
	schemeName := fs.String("scheme", "strict", "attendance scoring scheme")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *missed == "" || *target == "" {
		return fmt.Errorf("-missed and -target are required")
	}

	var scheme service.AttendanceScheme
	for _, candidate := range service.DefaultAttendanceSchemes() {
		if candidate.Name() == *schemeName {
			scheme = candidate
		}
	}
	if scheme == nil {
		return fmt.Errorf("unknown attendance scheme %q", *schemeName)
	}

	book, err := a.books.Load(a.cfg.GradebookFile())
	if err != nil {
		return err
	}

	scored := a.reports.ApplyAttendance(book, *missed, *target, scheme)
	out := filepath.Join(a.cfg.OutputDir, "attendance_upload.csv")
	if err := a.books.WriteUploadFile(out, book, []string{*target}, nil); err != nil {
		return err
	}
	a.prompter.Present(
		fmt.Sprintf("scored %d students with scheme %s", scored, scheme.Name()),
		"upload file written to "+out,
	)
	return nil
}

func (a *app) cmdGaps(args []string) error {
	fs := flag.NewFlagSet("gaps", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	book, err := a.books.Load(a.cfg.GradebookFile())
	if err != nil {
		return err
	}

	out := filepath.Join(a.cfg.OutputDir, "gradebook_gaps.csv")
	if err := a.reports.WriteGapReport(out, book); err != nil {
		return err
	}
	a.prompter.Present("gap report written to " + out)
	return nil
}

func (a *app) cmdSearch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	labName := fs.String("lab", "", "lab name")
	partIndex := fs.Int("part", 0, "part index within the lab")
	pattern := fs.String("pattern", "", "regular expression to search for")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *labName == "" || *pattern == "" {
		return fmt.Errorf("-lab and -pattern are required")
	}

	lab, err := a.labs.GetByName(ctx, *labName)
	if err != nil {
		return err
	}
	if *partIndex < 0 || *partIndex >= len(lab.Parts) {
		return fmt.Errorf("lab %s has no part %d", lab.Name, *partIndex)
	}

	studentList, err := a.students.List(ctx)
	if err != nil {
		return err
	}

	if err := a.authenticate(ctx); err != nil {
		return err
	}

	out := filepath.Join(a.cfg.OutputDir, "search_results.csv")
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()

	matches, err := a.search.Search(ctx, studentList, lab.Parts[*partIndex], *pattern, f)
	if err != nil {
		return err
	}
	a.prompter.Present(fmt.Sprintf("%d matching files, results written to %s", matches, out))
	return nil
}

func (a *app) cmdHighScorers(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("high-scorers", flag.ExitOnError)
	day := fs.String("date", "", "report date (YYYY-MM-DD)")
	columnArg := fs.String("columns", "", "comma-separated report columns")
	threshold := fs.Float64("threshold", 90, "minimum score across the columns")
	sectionArg := fs.String("sections", "", "comma-separated class section numbers")
	platformSections := fs.String("platform-sections", "", "comma-separated platform section ids")
	if err := fs.Parse(args); err != nil {
		return err
	}
	columns := splitList(*columnArg)
	if *day == "" || len(columns) == 0 {
		return fmt.Errorf("-date and -columns are required")
	}
	parsedDay, err := time.ParseInLocation("2006-01-02", *day, time.Local)
	if err != nil {
		return fmt.Errorf("invalid date: %w", err)
	}

	involved, err := a.pickSections(ctx, *sectionArg)
	if err != nil {
		return err
	}
	// One report covers everyone, graded as of the latest section cutoff.
	var due time.Time
	for _, section := range involved {
		at, err := section.DueTimeOn(parsedDay)
		if err != nil {
			return err
		}
		if at.After(due) {
			due = at
		}
	}

	if err := a.authenticate(ctx); err != nil {
		return err
	}

	var report string
	err = a.retry.Do(ctx, func() error {
		var err error
		report, err = a.client.CompletionReport(ctx, due, splitList(*platformSections))
		return err
	})
	if err != nil {
		return err
	}
	rows, err := a.books.ParseCompletionReport(report)
	if err != nil {
		return err
	}

	ids := a.reports.HighScorers(rows, columns, *threshold)
	if len(ids) == 0 {
		a.prompter.Present(fmt.Sprintf("no students at or above %g", *threshold))
		return nil
	}
	a.prompter.Present(ids...)
	a.prompter.Present(fmt.Sprintf("%d students at or above %g", len(ids), *threshold))
	return nil
}

func (a *app) cmdSections(ctx context.Context) error {
	all, err := a.sections.List(ctx)
	if err != nil {
		return err
	}
	if len(all) == 0 {
		a.prompter.Present("no sections in the store; run import first")
		return nil
	}

	maxNumber := 0
	for _, section := range all {
		if section.SectionNumber > maxNumber {
			maxNumber = section.SectionNumber
		}
	}
	for _, section := range all {
		a.prompter.Present(section.Display(maxNumber))
	}
	return nil
}

func (a *app) cmdLocks(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("locks", flag.ExitOnError)
	clearMine := fs.Bool("clear-mine", false, "remove every lock held by this grader")
	clearAll := fs.Bool("clear-all", false, "remove every lock")
	remove := fs.String("remove", "", "remove one lock marker by name")
	if err := fs.Parse(args); err != nil {
		return err
	}

	switch {
	case *clearAll:
		if !a.prompter.Confirm("Remove every lock, including other graders'?") {
			return nil
		}
		return a.locks.UnlockAll(ctx)
	case *clearMine:
		return a.locks.UnlockAllByGrader(ctx)
	case *remove != "":
		return a.locks.RemoveMarker(ctx, *remove)
	}

	markers, err := a.locks.Markers(ctx)
	if err != nil {
		return err
	}
	if len(markers) == 0 {
		a.prompter.Present("no locks held")
		return nil
	}
	a.prompter.Present(markers...)
	return nil
}

func (a *app) pickSections(ctx context.Context, arg string) ([]models.ClassSection, error) {
	all, err := a.sections.List(ctx)
	if err != nil {
		return nil, err
	}
	if arg == "" {
		return all, nil
	}

	wanted := map[int]bool{}
	for _, field := range splitList(arg) {
		n, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("invalid section number %q", field)
		}
		wanted[n] = true
	}

	var picked []models.ClassSection
	for _, section := range all {
		if wanted[section.SectionNumber] {
			picked = append(picked, section)
		}
	}
	if len(picked) == 0 {
		return nil, fmt.Errorf("no known sections among %q", arg)
	}
	return picked, nil
}

func splitList(arg string) []string {
	var out []string
	for _, field := range strings.Split(arg, ",") {
		if field = strings.TrimSpace(field); field != "" {
			out = append(out, field)
		}
	}
	return out
}
