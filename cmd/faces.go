package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-blocker/internal/database"
)

var facesCmd = &cobra.Command{
	Use:   "faces",
	Short: "Reference face management commands",
	Long:  `Commands for managing the reference faces images are matched against.`,
}

var facesAddCmd = &cobra.Command{
	Use:   "add <image-file> [image-file...]",
	Short: "Add reference faces from image files",
	Long: `Store one reference face per image file.

The name defaults to the file name ("jan_novak.jpg" becomes "jan novak").
With --describe the face descriptor is computed right away, otherwise it is
computed on the first scan that needs it.

Example:
  face-blocker faces add ./jan_novak.jpg
  face-blocker faces add --name "Jan Novák" --describe ./a.jpg ./b.jpg`,
	Args: cobra.MinimumNArgs(1),
	RunE: runFacesAdd,
}

var facesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List reference faces",
	Args:  cobra.NoArgs,
	RunE:  runFacesList,
}

var facesRemoveCmd = &cobra.Command{
	Use:   "remove [face-id]",
	Short: "Remove a reference face by id or all faces with a name",
	Long: `Remove one reference face by id, or every face whose name matches --name.
Names are compared ignoring case and diacritics.

Example:
  face-blocker faces remove 0b7c0a8e-6a3f-4d35-9d0e-2f3c1b9e4a11
  face-blocker faces remove --name "jan novak"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runFacesRemove,
}

var facesClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all reference faces",
	Args:  cobra.NoArgs,
	RunE:  runFacesClear,
}

func init() {
	rootCmd.AddCommand(facesCmd)
	facesCmd.AddCommand(facesAddCmd, facesListCmd, facesRemoveCmd, facesClearCmd)

	facesAddCmd.Flags().String("name", "", "Person name (defaults to the file name)")
	facesAddCmd.Flags().Bool("describe", false, "Compute the face descriptor now and reject images without a face")
	facesRemoveCmd.Flags().String("name", "", "Remove every face with this name")
	facesClearCmd.Flags().Bool("yes", false, "Skip confirmation prompt")
}

func runFacesAdd(cmd *cobra.Command, args []string) error {
	name := mustGetString(cmd, "name")
	describe := mustGetBool(cmd, "describe")
	ctx := context.Background()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	rt.warnEphemeral()

	faces := make([]database.ReferenceFace, 0, len(args))
	for _, path := range args {
		dataURL, size, err := readImage(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		face := database.ReferenceFace{
			Name:    name,
			DataURL: dataURL,
			Size:    size,
		}
		if face.Name == "" {
			face.Name = database.DisplayName(path)
		}
		if describe {
			desc, err := rt.engine.Describe(ctx, dataURL)
			if err != nil {
				return fmt.Errorf("%s: no usable face: %w", path, err)
			}
			face.Descriptor = desc
		}
		faces = append(faces, face)
	}

	added, err := rt.refs.Add(ctx, faces...)
	if err != nil {
		return fmt.Errorf("failed to store reference faces: %w", err)
	}
	for _, f := range added {
		fmt.Printf("Added %s (%s)\n", f.Name, f.ID)
	}
	return nil
}

func runFacesList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	faces, err := rt.refs.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list reference faces: %w", err)
	}
	if len(faces) == 0 {
		fmt.Println("No reference faces stored")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSIZE\tDESCRIPTOR\tADDED")
	for _, f := range faces {
		fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%s\n", f.ID, f.Name, f.Size, f.HasDescriptor(), f.CreatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runFacesRemove(cmd *cobra.Command, args []string) error {
	name := mustGetString(cmd, "name")
	if (len(args) == 0) == (name == "") {
		return errors.New("pass either a face id or --name")
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if name != "" {
		n, err := rt.refs.RemoveByName(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to remove faces: %w", err)
		}
		fmt.Printf("Removed %d face(s) named %q\n", n, name)
		return nil
	}

	if err := rt.refs.Remove(ctx, args[0]); err != nil {
		if errors.Is(err, database.ErrFaceNotFound) {
			return fmt.Errorf("no reference face with id %s", args[0])
		}
		return fmt.Errorf("failed to remove face: %w", err)
	}
	fmt.Printf("Removed face %s\n", args[0])
	return nil
}

func runFacesClear(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	count, err := rt.refs.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count reference faces: %w", err)
	}
	if count == 0 {
		fmt.Println("No reference faces stored")
		return nil
	}

	if !mustGetBool(cmd, "yes") && !confirmAction(fmt.Sprintf("Remove all %d reference face(s)? [y/N]: ", count)) {
		fmt.Println("Cancelled.")
		return nil
	}

	if err := rt.refs.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear reference faces: %w", err)
	}
	fmt.Printf("Removed %d reference face(s)\n", count)
	return nil
}

// confirmAction prompts the user and returns true if they answered yes.
func confirmAction(prompt string) bool {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	response, _ := reader.ReadString('\n')
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}
